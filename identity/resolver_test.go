package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/egor/planmovil/gateway"
	"github.com/egor/planmovil/gateway/memory"
	"github.com/egor/planmovil/models"
)

func newResolver(t *testing.T, gw *memory.Gateway) *Resolver {
	t.Helper()
	logger, _ := test.NewNullLogger()
	r := New(gw, logger)
	t.Cleanup(r.Close)
	return r
}

func register(t *testing.T, r *Resolver, email string) *gateway.Session {
	t.Helper()
	s, err := r.Register(context.Background(), models.RegisterInput{
		Email: email, Password: "secreto1", Nombre: "Ana Pérez",
	})
	require.NoError(t, err)
	return s
}

func TestRegisterCreatesConsumerProfile(t *testing.T) {
	gw := memory.New("")
	r := newResolver(t, gw)

	tel := " 0991234567 "
	s, err := r.Register(context.Background(), models.RegisterInput{
		Email: "ana@example.com", Password: "secreto1", Nombre: " Ana ", Telefono: &tel,
	})
	require.NoError(t, err)

	assert.True(t, r.IsAuthenticated())
	assert.Equal(t, s.User.ID, r.UserID())
	assert.Equal(t, models.RoleConsumer, r.CurrentRole())
	assert.True(t, r.HasRole(models.RoleConsumer))
	require.NotNil(t, r.CurrentProfile())
	assert.Equal(t, "Ana", r.CurrentProfile().Nombre)
	require.NotNil(t, r.CurrentProfile().Telefono)
	assert.Equal(t, "0991234567", *r.CurrentProfile().Telefono)
	assert.Equal(t, []string{"perfil_" + s.User.ID}, gw.ActiveChannels())
}

func TestRegisterValidationMakesNoCalls(t *testing.T) {
	gw := memory.New("")
	r := newResolver(t, gw)

	_, err := r.Register(context.Background(), models.RegisterInput{Email: "no-es-email", Password: "1", Nombre: ""})
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.Zero(t, gw.TotalCalls())
}

func TestRegisterCompensatesFailedProfile(t *testing.T) {
	gw := memory.New("")
	r := newResolver(t, gw)
	gw.FailNext("insert", gateway.TableProfiles, errors.New("rls violation"))

	_, err := r.Register(context.Background(), models.RegisterInput{
		Email: "ana@example.com", Password: "secreto1", Nombre: "Ana",
	})
	require.Error(t, err)
	assert.Equal(t, 1, gw.Calls("delete_user", "auth"))
	assert.False(t, r.IsAuthenticated())

	_, err = gw.SignInWithPassword(context.Background(), "ana@example.com", "secreto1")
	assert.Error(t, err, "auth user must be removed")
}

func TestRegisterCompensationFailureIsLogged(t *testing.T) {
	gw := memory.New("")
	logger, hook := test.NewNullLogger()
	r := New(gw, logger)
	gw.FailNext("insert", gateway.TableProfiles, errors.New("boom"))
	gw.FailNext("delete_user", "auth", errors.New("no service key"))

	_, err := r.Register(context.Background(), models.RegisterInput{
		Email: "ana@example.com", Password: "secreto1", Nombre: "Ana",
	})
	require.Error(t, err)
	assert.Contains(t, hook.LastEntry().Message, "компенсация не удалась")
}

func TestLoginAndLogout(t *testing.T) {
	gw := memory.New("")
	register(t, newResolver(t, gw), "ana@example.com")

	r := newResolver(t, gw)
	_, err := r.Login(context.Background(), "ana@example.com", "incorrecta")
	assert.Error(t, err)
	assert.False(t, r.IsAuthenticated())

	s, err := r.Login(context.Background(), "ana@example.com", "secreto1")
	require.NoError(t, err)
	assert.True(t, r.IsAuthenticated())

	require.NoError(t, r.Logout(context.Background()))
	assert.False(t, r.IsAuthenticated())
	assert.Nil(t, r.Profile().Get())
	_, err = gw.GetUser(context.Background(), s.AccessToken)
	assert.Error(t, err)
}

func TestLoginWithoutProfile(t *testing.T) {
	gw := memory.New("")
	_, err := gw.SignUp(context.Background(), "huerfano@example.com", "secreto1")
	require.NoError(t, err)

	r := newResolver(t, gw)
	_, err = r.Login(context.Background(), "huerfano@example.com", "secreto1")
	assert.ErrorIs(t, err, ErrNoProfile)
	assert.Nil(t, r.Session())
}

func TestRestore(t *testing.T) {
	gw := memory.New("")
	s := register(t, newResolver(t, gw), "ana@example.com")

	r := newResolver(t, gw)
	_, err := r.Restore(context.Background(), s.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, s.User.ID, r.UserID())
	assert.True(t, r.IsAuthenticated())

	_, err = newResolver(t, gw).Restore(context.Background(), "desconocido")
	assert.True(t, gateway.IsUnauthorized(err))
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Now().Add(30 * time.Minute).Truncate(time.Second)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("otro-secreto"))
	require.NoError(t, err)

	assert.Equal(t, exp.Unix(), tokenExpiry(signed))
	assert.Zero(t, tokenExpiry("opaco"))

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "u"}).
		SignedString([]byte("otro-secreto"))
	require.NoError(t, err)
	assert.Zero(t, tokenExpiry(noExp))
}

func TestUpdateProfile(t *testing.T) {
	gw := memory.New("")
	r := newResolver(t, gw)

	_, err := r.UpdateProfile(context.Background(), models.ProfilePatch{})
	assert.ErrorIs(t, err, models.ErrNotAuthenticated)

	register(t, r, "ana@example.com")
	name, tel := "Ana María", "022345678"
	p, err := r.UpdateProfile(context.Background(), models.ProfilePatch{Nombre: &name, Telefono: &tel})
	require.NoError(t, err)
	assert.Equal(t, "Ana María", p.Nombre)
	assert.Equal(t, "Ana María", r.CurrentProfile().Nombre)
}

func TestChangeUserRole(t *testing.T) {
	gw := memory.New("")
	consumer := newResolver(t, gw)
	cs := register(t, consumer, "ana@example.com")

	err := consumer.ChangeUserRole(context.Background(), cs.User.ID, models.RoleAdvisor)
	assert.ErrorIs(t, err, models.ErrForbidden)

	advisor := newResolver(t, gw)
	as := register(t, advisor, "asesor@example.com")
	_, err = gw.Update(context.Background(), gateway.TableProfiles,
		[]gateway.Filter{gateway.Eq("user_id", as.User.ID)}, map[string]interface{}{"rol": models.RoleAdvisor})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return advisor.HasRole(models.RoleAdvisor) }, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, advisor.ChangeUserRole(context.Background(), cs.User.ID, "root"), models.ErrValidation)
	assert.ErrorIs(t, advisor.ChangeUserRole(context.Background(), "no-existe", models.RoleAdvisor), models.ErrNotFound)

	require.NoError(t, advisor.ChangeUserRole(context.Background(), cs.User.ID, models.RoleAdvisor))
	assert.Eventually(t, func() bool { return consumer.HasRole(models.RoleAdvisor) }, time.Second, 5*time.Millisecond)
}

func TestAnonymous(t *testing.T) {
	assert.False(t, Anonymous.IsAuthenticated())
	assert.Empty(t, Anonymous.UserID())
	assert.Empty(t, Anonymous.CurrentRole())
}
