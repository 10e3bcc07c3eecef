package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/agentlink/internal/wire"
)

func testPolicy() *Policy {
	p := NewPolicy(nil)
	p.BaseDelay = time.Millisecond
	return p
}

func overloaded() error {
	return &wire.RemoteError{Code: wire.CodeOverloaded, Message: "server overloaded"}
}

func invalidParams(data *wire.Value) error {
	return &wire.RemoteError{Code: wire.CodeInvalidParams, Message: "invalid params", Data: data}
}

func TestDoRetriesOverload(t *testing.T) {
	p := testPolicy()
	attempts := 0

	v, err := p.Do(context.Background(), func(ctx context.Context) (wire.Value, error) {
		attempts++
		if attempts < 3 {
			return wire.Value{}, overloaded()
		}
		return wire.String("ok"), nil
	})

	require.NoError(t, err)
	s, _ := v.Str()
	assert.Equal(t, "ok", s)
	assert.Equal(t, 3, attempts)
}

func TestDoExhaustsBudget(t *testing.T) {
	p := testPolicy()
	attempts := 0

	_, err := p.Do(context.Background(), func(ctx context.Context) (wire.Value, error) {
		attempts++
		return wire.Value{}, overloaded()
	})

	require.Error(t, err)
	var remote *wire.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.True(t, remote.IsOverloaded())
	assert.Equal(t, 1+p.Budget, attempts)
}

func TestDoStopsOnOtherErrors(t *testing.T) {
	p := testPolicy()
	boom := errors.New("boom")
	attempts := 0

	_, err := p.Do(context.Background(), func(ctx context.Context) (wire.Value, error) {
		attempts++
		return wire.Value{}, boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, attempts)
}

func TestNegotiationStripsRejectedParam(t *testing.T) {
	p := testPolicy()
	var seen []map[OptionalParam]bool

	v, err := p.DoNegotiated(context.Background(),
		[]OptionalParam{ParamModel, ParamEffort},
		func(ctx context.Context, stripped map[OptionalParam]bool) (wire.Value, error) {
			copied := map[OptionalParam]bool{}
			for k := range stripped {
				copied[k] = true
			}
			seen = append(seen, copied)
			if !stripped[ParamModel] {
				return wire.Value{}, invalidParams(nil)
			}
			return wire.String("ok"), nil
		})

	require.NoError(t, err)
	s, _ := v.Str()
	assert.Equal(t, "ok", s)
	require.Len(t, seen, 2)
	assert.Empty(t, seen[0])
	assert.True(t, seen[1][ParamModel])
	assert.False(t, seen[1][ParamEffort])
}

func TestNegotiationHonorsServerNamedParam(t *testing.T) {
	p := testPolicy()
	data := wire.Object(wire.F("param", wire.String("effort")))
	calls := 0

	_, err := p.DoNegotiated(context.Background(),
		[]OptionalParam{ParamModel, ParamEffort},
		func(ctx context.Context, stripped map[OptionalParam]bool) (wire.Value, error) {
			calls++
			if calls == 1 {
				require.Empty(t, stripped)
				return wire.Value{}, invalidParams(&data)
			}
			// The server-named parameter is stripped, not the first declared.
			assert.True(t, stripped[ParamEffort])
			assert.False(t, stripped[ParamModel])
			return wire.String("ok"), nil
		})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestNegotiationStripsEachParamAtMostOnce(t *testing.T) {
	p := testPolicy()
	calls := 0

	_, err := p.DoNegotiated(context.Background(),
		[]OptionalParam{ParamModel, ParamEffort},
		func(ctx context.Context, stripped map[OptionalParam]bool) (wire.Value, error) {
			calls++
			return wire.Value{}, invalidParams(nil)
		})

	require.Error(t, err)
	var remote *wire.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.True(t, remote.IsInvalidParams())
	// Initial call, then one retry per optional; nothing left to strip.
	assert.Equal(t, 3, calls)
}

func TestDoRespectsContext(t *testing.T) {
	p := testPolicy()
	p.BaseDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.Do(ctx, func(ctx context.Context) (wire.Value, error) {
			return wire.Value{}, overloaded()
		})
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not observe context cancellation")
	}
}
