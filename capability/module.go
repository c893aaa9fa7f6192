package capability

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// Hello is the first frame sent to a module server.
type Hello struct {
	GenVMID  string `msgpack:"genvm_id"`
	HostData string `msgpack:"host_data"`
}

type frame struct {
	ID      uint64 `msgpack:"id"`
	Kind    string `msgpack:"kind"`
	Payload []byte `msgpack:"payload"`
}

type reply struct {
	ID      uint64 `msgpack:"id"`
	OK      bool   `msgpack:"ok"`
	Payload []byte `msgpack:"payload"`
	Error   string `msgpack:"error"`
}

const writeWait = 10 * time.Second

// Module is a websocket client to an external module server. Calls may be
// issued concurrently; replies are matched by frame id.
type Module struct {
	conn *websocket.Conn
	log  *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	next    uint64
	waiting map[uint64]chan reply
	err     error

	done chan struct{}
}

// Dial connects to address and sends hello.
func Dial(ctx context.Context, address string, hello Hello, log *zap.Logger) (*Module, error) {
	if log == nil {
		log = Logger()
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, address, http.Header{})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial module %s: %w", address, err)
	}

	m := &Module{
		conn:    conn,
		log:     log.With(zap.String("module", address)),
		waiting: map[uint64]chan reply{},
		done:    make(chan struct{}),
	}
	conn.SetPingHandler(func(data string) error {
		m.log.Debug("ping")
		m.writeMu.Lock()
		defer m.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	if err := m.write(hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send hello to %s: %w", address, err)
	}
	go m.readLoop()
	return m, nil
}

func (m *Module) write(v any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return m.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (m *Module) readLoop() {
	defer close(m.done)
	for {
		typ, data, err := m.conn.ReadMessage()
		if err != nil {
			m.fail(err)
			return
		}
		if typ != websocket.BinaryMessage {
			m.log.Warn("ignoring non-binary frame", zap.Int("type", typ))
			continue
		}
		var r reply
		if err := msgpack.Unmarshal(data, &r); err != nil {
			m.fail(fmt.Errorf("decode reply: %w", err))
			m.conn.Close()
			return
		}
		m.mu.Lock()
		ch, ok := m.waiting[r.ID]
		delete(m.waiting, r.ID)
		m.mu.Unlock()
		if !ok {
			m.log.Warn("reply for unknown call", zap.Uint64("id", r.ID))
			continue
		}
		ch <- r
	}
}

func (m *Module) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err == nil {
		m.err = err
	}
}

// Call sends req and waits for its reply. Cancelling ctx closes the
// connection.
func (m *Module) Call(ctx context.Context, req Request) (Response, error) {
	ch := make(chan reply, 1)
	m.mu.Lock()
	if m.err != nil {
		err := m.err
		m.mu.Unlock()
		return Response{}, fmt.Errorf("module connection: %w", err)
	}
	m.next++
	id := m.next
	m.waiting[id] = ch
	m.mu.Unlock()

	if err := m.write(frame{ID: id, Kind: string(req.Kind), Payload: req.Payload}); err != nil {
		m.forget(id)
		return Response{}, fmt.Errorf("send call: %w", err)
	}

	select {
	case r := <-ch:
		if !r.OK {
			return Response{}, fmt.Errorf("module error: %s", r.Error)
		}
		return Response{Payload: r.Payload}, nil
	case <-ctx.Done():
		m.forget(id)
		m.conn.Close()
		return Response{}, ctx.Err()
	case <-m.done:
		m.mu.Lock()
		err := m.err
		m.mu.Unlock()
		return Response{}, fmt.Errorf("module connection: %w", err)
	}
}

func (m *Module) forget(id uint64) {
	m.mu.Lock()
	delete(m.waiting, id)
	m.mu.Unlock()
}

// Close sends a close frame and tears the connection down.
func (m *Module) Close() error {
	m.writeMu.Lock()
	m.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	m.writeMu.Unlock()
	err := m.conn.Close()
	<-m.done
	return err
}
