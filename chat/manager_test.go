package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/egor/planmovil/gateway"
	"github.com/egor/planmovil/gateway/memory"
	"github.com/egor/planmovil/identity"
	"github.com/egor/planmovil/models"
)

type principal struct {
	id   string
	role models.Role
}

func (p principal) UserID() string           { return p.id }
func (p principal) CurrentRole() models.Role { return p.role }
func (p principal) IsAuthenticated() bool    { return p.id != "" }

var (
	advisor = principal{id: "aaaaaaaa-0000-0000-0000-000000000001", role: models.RoleAdvisor}
	ana     = principal{id: "cccccccc-0000-0000-0000-000000000001", role: models.RoleConsumer}
	luis    = principal{id: "cccccccc-0000-0000-0000-000000000002", role: models.RoleConsumer}
)

func newManager(t *testing.T, gw gateway.Gateway, who identity.Principal) *Manager {
	t.Helper()
	logger, _ := test.NewNullLogger()
	m := New(gw, who, logger)
	t.Cleanup(m.Close)
	return m
}

func seedContract(t *testing.T, gw gateway.Gateway, owner string) int64 {
	t.Helper()
	var rows []models.Contract
	require.NoError(t, gateway.InsertInto(context.Background(), gw, gateway.TableContracts,
		models.ContractRow{UsuarioID: owner, PlanID: 1, Estado: models.StatusCancelled}, &rows))
	return rows[0].ID
}

func TestEmptyBodyMakesNoBackendCall(t *testing.T) {
	gw := memory.New("")
	m := newManager(t, gw, ana)

	for _, body := range []string{"", "   ", "\n\t "} {
		msg, err := m.Send(context.Background(), 1, body)
		assert.NoError(t, err)
		assert.Nil(t, msg)
	}
	assert.Zero(t, gw.TotalCalls())
}

func TestSendAttributesSender(t *testing.T) {
	gw := memory.New("")
	id := seedContract(t, gw, ana.id)

	msg, err := newManager(t, gw, ana).Send(context.Background(), id, "  Hola, ¿cuándo activan?  ")
	require.NoError(t, err)
	assert.Equal(t, ana.id, msg.EmisorID)
	assert.Equal(t, id, msg.ContratacionID)
	assert.Equal(t, "Hola, ¿cuándo activan?", msg.Mensaje)
	assert.False(t, msg.Leido)
}

func TestSendFailureReturnsDraft(t *testing.T) {
	gw := memory.New("")
	id := seedContract(t, gw, ana.id)
	gw.FailNext("insert", gateway.TableMessages, errors.New("network down"))

	_, err := newManager(t, gw, ana).Send(context.Background(), id, "no lo pierdas")
	var de *DraftError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "no lo pierdas", de.Draft)

	_, err = newManager(t, gw, luis).Send(context.Background(), id, "intruso")
	require.ErrorAs(t, err, &de)
	assert.ErrorIs(t, err, models.ErrForbidden)
	assert.Equal(t, "intruso", de.Draft)
}

func TestOpenKeepsSingleSubscription(t *testing.T) {
	gw := memory.New("")
	first := seedContract(t, gw, ana.id)
	second := seedContract(t, gw, luis.id)

	m := newManager(t, gw, advisor)
	_, err := m.Open(context.Background(), first)
	require.NoError(t, err)
	_, err = m.Open(context.Background(), second)
	require.NoError(t, err)

	assert.Equal(t, second, m.Current())
	assert.Len(t, gw.ActiveChannels(), 1)

	m.Close()
	assert.Empty(t, gw.ActiveChannels())
	assert.Zero(t, m.Current())
	assert.Empty(t, m.Messages().Get())
}

func TestOpenChecksAccess(t *testing.T) {
	gw := memory.New("")
	id := seedContract(t, gw, ana.id)

	_, err := newManager(t, gw, luis).Open(context.Background(), id)
	assert.ErrorIs(t, err, models.ErrForbidden)
	_, err = newManager(t, gw, ana).Open(context.Background(), 999)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = newManager(t, gw, identity.Anonymous).Open(context.Background(), id)
	assert.ErrorIs(t, err, models.ErrNotAuthenticated)
	assert.Empty(t, gw.ActiveChannels())
}

func TestRealtimeReloadOrdersMessages(t *testing.T) {
	gw := memory.New("")
	ctx := context.Background()
	id := seedContract(t, gw, ana.id)

	consumer := newManager(t, gw, ana)
	staff := newManager(t, gw, advisor)
	_, err := consumer.Open(ctx, id)
	require.NoError(t, err)

	_, err = consumer.Send(ctx, id, "uno")
	require.NoError(t, err)
	_, err = staff.Send(ctx, id, "dos")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		msgs := consumer.Messages().Get()
		return len(msgs) == 2 && msgs[0].Mensaje == "uno" && msgs[1].Mensaje == "dos"
	}, time.Second, 5*time.Millisecond)
}

func TestMarkReadAndUnreadCount(t *testing.T) {
	gw := memory.New("")
	ctx := context.Background()
	id := seedContract(t, gw, ana.id)

	consumer := newManager(t, gw, ana)
	staff := newManager(t, gw, advisor)
	for _, body := range []string{"a", "b"} {
		_, err := staff.Send(ctx, id, body)
		require.NoError(t, err)
	}
	_, err := consumer.Send(ctx, id, "c")
	require.NoError(t, err)

	n, err := consumer.UnreadCount(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = staff.UnreadCount(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// без открытого чата MarkRead ничего не делает
	require.NoError(t, consumer.MarkRead(ctx))
	n, _ = consumer.UnreadCount(ctx, id)
	assert.Equal(t, 2, n)

	_, err = consumer.Open(ctx, id)
	require.NoError(t, err)
	require.NoError(t, consumer.MarkRead(ctx))
	n, err = consumer.UnreadCount(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, n)

	// своё сообщение асесор ещё не прочитал
	n, err = staff.UnreadCount(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, staff.MarkReadIn(ctx, id))
	n, _ = staff.UnreadCount(ctx, id)
	assert.Zero(t, n)

	assert.ErrorIs(t, newManager(t, gw, luis).MarkReadIn(ctx, id), models.ErrForbidden)
}

func TestHistory(t *testing.T) {
	gw := memory.New("")
	ctx := context.Background()
	id := seedContract(t, gw, ana.id)
	_, err := newManager(t, gw, ana).Send(ctx, id, "hola")
	require.NoError(t, err)

	msgs, err := newManager(t, gw, advisor).History(ctx, id)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Empty(t, gw.ActiveChannels())
}
