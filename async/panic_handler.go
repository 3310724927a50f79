package async

// PanicHandler receives the value of a recovered panic.
type PanicHandler interface {
	HandlePanic(r any)
}

// NoopPanicHandler lets the panic continue.
type NoopPanicHandler struct{}

func (n NoopPanicHandler) HandlePanic(r any) {
	panic(r)
}

// HandlePanic must be deferred directly. With a nil handler the panic is not recovered.
func HandlePanic(panicHandler PanicHandler) {
	if panicHandler == nil {
		return
	}

	if r := recover(); r != nil {
		panicHandler.HandlePanic(r)
	}
}
