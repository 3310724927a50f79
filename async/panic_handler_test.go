package async

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	recovered []any
}

func (h *recordingHandler) HandlePanic(r any) {
	h.recovered = append(h.recovered, r)
}

func TestHandlePanic_Recovers(t *testing.T) {
	handler := &recordingHandler{}

	require.NotPanics(t, func() {
		defer HandlePanic(handler)
		panic("ping loop crashed")
	})

	require.NotPanics(t, func() {
		defer HandlePanic(handler)
	})

	require.Equal(t, []any{"ping loop crashed"}, handler.recovered)
}

func TestHandlePanic_Propagates(t *testing.T) {
	require.PanicsWithValue(t, "sync crashed", func() {
		defer HandlePanic(NoopPanicHandler{})
		panic("sync crashed")
	})

	require.PanicsWithValue(t, "folder sync crashed", func() {
		defer HandlePanic(nil)
		panic("folder sync crashed")
	})

	require.NotPanics(t, func() {
		defer HandlePanic(NoopPanicHandler{})
	})
}
