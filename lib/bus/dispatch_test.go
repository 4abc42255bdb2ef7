package bus

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFlowControl_SetDownPausesDelivery(t *testing.T) {
	c, peer, _ := newLoopConn(t)

	collector := &signalCollector{}
	_, err := c.AddSignalReceiver(MatchRule{}, collector.sink)
	assert.Nil(t, err)

	assert.True(t, c.IsUp())
	c.SetDown()
	assert.False(t, c.IsUp())

	// The read in flight when the gate closed may still deliver one
	// message; everything after it waits.
	assert.Nil(t, peer.Send(testSignal("First")))
	assert.Eventually(t, func() bool {
		return len(collector.members()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Nil(t, peer.Send(testSignal("Second")))
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, []string{"First"}, collector.members())

	c.SetUp()
	assert.True(t, c.IsUp())
	assert.Eventually(t, func() bool {
		return len(collector.members()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, []string{"First", "Second"}, collector.members())
}

func TestFlowControl_SetDownTwiceIsHarmless(t *testing.T) {
	c, _, _ := newLoopConn(t)
	c.SetDown()
	c.SetDown()
	c.SetUp()
	c.SetUp()
	assert.True(t, c.IsUp())
}

func TestFlowControl_CloseWhileDown(t *testing.T) {
	c, _, _ := newLoopConn(t)
	c.SetDown()
	assert.Nil(t, c.Close())
	assert.ErrorIs(t, <-c.Watch(), ErrClosed)
}

func TestTranslateRecvError(t *testing.T) {
	assert.ErrorIs(t, translateRecvError(io.EOF), ErrConnectionLost)

	protoErr := ProtocolError("bad header")
	assert.Equal(t, protoErr, translateRecvError(protoErr))

	inner := errors.New("read fault")
	translated := translateRecvError(inner)
	var transportErr *TransportError
	assert.ErrorAs(t, translated, &transportErr)
	assert.ErrorIs(t, transportErr.Err, inner)
}

func TestMachineID(t *testing.T) {
	id := machineID()
	assert.Len(t, id, 32)
	assert.Equal(t, id, machineID())
}
