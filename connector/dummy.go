package connector

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/bradenaw/juniper/xslices"
)

// Handler produces the server answer to one command.
type Handler func(ctx context.Context, cmd Command) (*Response, error)

// DefaultVersions is the protocol version list the dummy server advertises.
const DefaultVersions = "2.5,12.0,12.1,14.0"

// Dummy is an in-memory scripted server. Handlers queued with Script are consumed in order;
// once a command's queue is empty, the handler set with Always answers, or an HTTP 500.
type Dummy struct {
	lock sync.Mutex

	host     string
	versions string

	scripts  map[string][]Handler
	fallback map[string]Handler
	requests []Command

	adapters map[string]*DummyAdapter
}

func NewDummy() *Dummy {
	return &Dummy{
		host:     "dummy.local",
		versions: DefaultVersions,
		scripts:  make(map[string][]Handler),
		fallback: make(map[string]Handler),
		adapters: make(map[string]*DummyAdapter),
	}
}

// Script queues one-shot handlers for the given command.
func (d *Dummy) Script(name string, handlers ...Handler) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.scripts[name] = append(d.scripts[name], handlers...)
}

// Always sets the handler answering the command once its script is exhausted.
func (d *Dummy) Always(name string, handler Handler) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.fallback[name] = handler
}

// SetVersions changes the advertised protocol versions.
func (d *Dummy) SetVersions(versions ...string) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.versions = strings.Join(versions, ",")
}

func (d *Dummy) Send(ctx context.Context, cmd Command) (*Response, error) {
	handler := d.next(cmd)

	return handler(ctx, cmd)
}

func (d *Dummy) Options(ctx context.Context) (*Response, error) {
	d.lock.Lock()
	versions := d.versions
	d.lock.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	header := make(http.Header)
	header.Set(HeaderProtocolVersions, versions)

	return &Response{Status: http.StatusOK, Header: header}, nil
}

func (d *Dummy) SetHost(host string) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.host = host
}

// Host returns the host commands are currently sent to.
func (d *Dummy) Host() string {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.host
}

// Requests returns the commands received so far with the given name, or all of them if name is empty.
func (d *Dummy) Requests(name string) []Command {
	d.lock.Lock()
	defer d.lock.Unlock()

	if name == "" {
		return xslices.Clone(d.requests)
	}

	return xslices.Filter(d.requests, func(cmd Command) bool {
		return cmd.Name == name
	})
}

func (d *Dummy) NewSyncAdapter(mbox Mailbox) (SyncAdapter, error) {
	return d.Adapter(mbox), nil
}

// Adapter returns the sync adapter of the mailbox, creating it if needed.
func (d *Dummy) Adapter(mbox Mailbox) *DummyAdapter {
	d.lock.Lock()
	defer d.lock.Unlock()

	if adapter, ok := d.adapters[mbox.ID]; ok {
		return adapter
	}

	adapter := newDummyAdapter(mbox.Kind.Class())

	d.adapters[mbox.ID] = adapter

	return adapter
}

func (d *Dummy) next(cmd Command) Handler {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.requests = append(d.requests, cmd)

	if script := d.scripts[cmd.Name]; len(script) > 0 {
		d.scripts[cmd.Name] = script[1:]
		return script[0]
	}

	if handler, ok := d.fallback[cmd.Name]; ok {
		return handler
	}

	return Status(http.StatusInternalServerError)
}

// Reply answers with the given HTTP status and v encoded as the body. A nil v gives an empty body.
func Reply(status int, v any) Handler {
	return func(ctx context.Context, _ Command) (*Response, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res := &Response{Status: status, Header: make(http.Header)}

		if v != nil {
			b, err := gobEncode(v)
			if err != nil {
				return nil, err
			}

			res.Body = b
		}

		return res, nil
	}
}

// Status answers with an empty body and the given HTTP status.
func Status(status int) Handler {
	return Reply(status, nil)
}

// Redirect answers with HTTP 451 pointing at host.
func Redirect(host string) Handler {
	return func(context.Context, Command) (*Response, error) {
		header := make(http.Header)
		header.Set(HeaderLocation, "https://"+host+"/Microsoft-Server-ActiveSync")

		return &Response{Status: 451, Header: header}, nil
	}
}

// Fail fails the command with err.
func Fail(err error) Handler {
	return func(context.Context, Command) (*Response, error) {
		return nil, err
	}
}

// Block holds the command until its context ends.
func Block() Handler {
	return func(ctx context.Context, _ Command) (*Response, error) {
		<-ctx.Done()
		return nil, context.Cause(ctx)
	}
}

// Stall holds the command until release is closed, ignoring its context.
func Stall(release <-chan struct{}) Handler {
	return func(context.Context, Command) (*Response, error) {
		<-release
		return nil, context.Canceled
	}
}
