package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/auth"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/message"
)

// startGateway serves a gateway that accepts "rpi-token" as user 7 and
// rejects everything else.
func startGateway(t *testing.T) (*Gateway, *httptest.Server) {
	t.Helper()
	gw := NewGateway(Config{Auth: func(token string) (int64, error) {
		switch token {
		case "rpi-token":
			return 7, nil
		case "web-token":
			return 0, fmt.Errorf("map subject: %w", auth.ErrInvalidSubject)
		default:
			return 0, auth.ErrInvalidToken
		}
	}})
	srv := httptest.NewServer(gw)
	t.Cleanup(func() {
		gw.Close()
		srv.Close()
	})
	return gw, srv
}

func dialGateway(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) *message.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	msg, err := message.Decode(data)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return msg
}

func writeFrame(t *testing.T, conn *websocket.Conn, msg *message.Message) {
	t.Helper()
	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestSessionHandshakeAndDispatch(t *testing.T) {
	gw, srv := startGateway(t)
	gw.Register(message.TypePing, func(_ context.Context, _ *Session, msg *message.Message) (*message.Message, error) {
		return message.NewReply(msg, message.TypePong, nil)
	})

	conn := dialGateway(t, srv, "rpi-token")

	hello := readFrame(t, conn)
	if hello.Type != message.TypeAuthResult {
		t.Fatalf("first frame = %s, want AUTH_RESULT", hello.Type)
	}
	var res message.AuthResult
	if err := hello.DecodePayload(&res); err != nil {
		t.Fatalf("decode auth result: %v", err)
	}
	if res.Status != "authenticated" || res.UserID != 7 {
		t.Fatalf("auth result = %+v", res)
	}

	ping, err := message.New(message.TypePing, nil)
	if err != nil {
		t.Fatalf("build ping: %v", err)
	}
	writeFrame(t, conn, ping)

	pong := readFrame(t, conn)
	if pong.Type != message.TypePong || pong.ReplyTo != ping.ID {
		t.Fatalf("pong = type %s reply_to %q", pong.Type, pong.ReplyTo)
	}
}

func TestMalformedFrameKeepsConnectionOpen(t *testing.T) {
	gw, srv := startGateway(t)
	gw.Register(message.TypePing, func(_ context.Context, _ *Session, msg *message.Message) (*message.Message, error) {
		return message.NewReply(msg, message.TypePong, nil)
	})

	conn := dialGateway(t, srv, "rpi-token")
	readFrame(t, conn) // AUTH_RESULT

	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	errFrame := readFrame(t, conn)
	if errFrame.Type != message.TypeError {
		t.Fatalf("reply = %s, want ERROR", errFrame.Type)
	}

	ping, err := message.New(message.TypePing, nil)
	if err != nil {
		t.Fatalf("build ping: %v", err)
	}
	writeFrame(t, conn, ping)
	if pong := readFrame(t, conn); pong.Type != message.TypePong {
		t.Fatalf("connection did not survive malformed frame, got %s", pong.Type)
	}
}

func TestHandlerErrorBecomesErrorReply(t *testing.T) {
	gw, srv := startGateway(t)
	gw.Register(message.TypeNotificationSync, func(_ context.Context, _ *Session, _ *message.Message) (*message.Message, error) {
		return nil, fmt.Errorf("store unavailable")
	})

	conn := dialGateway(t, srv, "rpi-token")
	readFrame(t, conn) // AUTH_RESULT

	req, err := message.New(message.TypeNotificationSync, message.SyncRequest{Limit: 5})
	if err != nil {
		t.Fatalf("build sync: %v", err)
	}
	writeFrame(t, conn, req)

	reply := readFrame(t, conn)
	if reply.Type != message.TypeError || reply.ReplyTo != req.ID {
		t.Fatalf("reply = type %s reply_to %q", reply.Type, reply.ReplyTo)
	}
	var p message.ErrorPayload
	if err := reply.DecodePayload(&p); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if !strings.Contains(p.Error, "store unavailable") {
		t.Fatalf("error = %q", p.Error)
	}
}

func TestUnhandledTypeGetsErrorReply(t *testing.T) {
	_, srv := startGateway(t)

	conn := dialGateway(t, srv, "rpi-token")
	readFrame(t, conn) // AUTH_RESULT

	msg, err := message.New(message.TypeCapture, message.Capture{ImageFormat: "jpeg", ImageDataB64: "AA=="})
	if err != nil {
		t.Fatalf("build capture: %v", err)
	}
	writeFrame(t, conn, msg)

	reply := readFrame(t, conn)
	if reply.Type != message.TypeError {
		t.Fatalf("reply = %s, want ERROR", reply.Type)
	}
}

func TestBadTokenClosedWithAuthCode(t *testing.T) {
	_, srv := startGateway(t)

	conn := dialGateway(t, srv, "wrong")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != message.CloseAuthFailed {
		t.Fatalf("close code = %d, want %d", closeErr.Code, message.CloseAuthFailed)
	}
}

func TestNonDeviceSubjectClosedWithForbidden(t *testing.T) {
	_, srv := startGateway(t)

	conn := dialGateway(t, srv, "web-token")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != message.CloseForbidden {
		t.Fatalf("close code = %d, want %d", closeErr.Code, message.CloseForbidden)
	}
}

func TestHandlerPanicClosesSession(t *testing.T) {
	gw, srv := startGateway(t)
	gw.Register(message.TypePing, func(_ context.Context, _ *Session, _ *message.Message) (*message.Message, error) {
		panic("boom")
	})

	conn := dialGateway(t, srv, "rpi-token")
	readFrame(t, conn) // AUTH_RESULT

	ping, err := message.New(message.TypePing, nil)
	if err != nil {
		t.Fatalf("build ping: %v", err)
	}
	writeFrame(t, conn, ping)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, rerr := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(rerr, &closeErr) {
		t.Fatalf("expected close error, got %v", rerr)
	}
	if closeErr.Code != websocket.CloseInternalServerErr {
		t.Fatalf("close code = %d, want %d", closeErr.Code, websocket.CloseInternalServerErr)
	}
}

func TestRequestDeviceRoundTrip(t *testing.T) {
	gw, srv := startGateway(t)
	conn := dialGateway(t, srv, "rpi-token")
	readFrame(t, conn) // AUTH_RESULT

	type result struct {
		reply *message.Message
		err   error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := message.New(message.TypeStreamStart, nil)
		if err != nil {
			done <- result{err: err}
			return
		}
		reply, err := gw.RequestDevice(context.Background(), msg)
		done <- result{reply: reply, err: err}
	}()

	// Fake device: answer the pushed STREAM_START with a STREAM_ACK.
	req := readFrame(t, conn)
	if req.Type != message.TypeStreamStart {
		t.Fatalf("device received %s, want STREAM_START", req.Type)
	}
	ack, err := message.NewReply(req, message.TypeStreamAck, message.StreamAck{Status: message.StatusStreaming})
	if err != nil {
		t.Fatalf("build ack: %v", err)
	}
	writeFrame(t, conn, ack)

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("RequestDevice: %v", res.err)
		}
		if res.reply.Type != message.TypeStreamAck {
			t.Fatalf("reply type = %s", res.reply.Type)
		}
		var p message.StreamAck
		if err := res.reply.DecodePayload(&p); err != nil {
			t.Fatalf("decode ack: %v", err)
		}
		if p.Status != message.StatusStreaming {
			t.Fatalf("status = %q", p.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RequestDevice did not return")
	}
}

func TestRequestDeviceWithoutSession(t *testing.T) {
	gw := NewGateway(Config{Auth: func(string) (int64, error) { return 0, auth.ErrInvalidToken }})
	msg, err := message.New(message.TypeStreamStop, nil)
	if err != nil {
		t.Fatalf("build message: %v", err)
	}
	if _, err := gw.RequestDevice(context.Background(), msg); !errors.Is(err, ErrNoDevice) {
		t.Fatalf("err = %v, want ErrNoDevice", err)
	}
}

func TestNewConnectionReplacesOldSession(t *testing.T) {
	gw, srv := startGateway(t)

	first := dialGateway(t, srv, "rpi-token")
	readFrame(t, first) // AUTH_RESULT

	second := dialGateway(t, srv, "rpi-token")
	readFrame(t, second) // AUTH_RESULT

	// The replaced socket is closed by the hub.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := first.ReadMessage(); err == nil {
		t.Fatal("expected first session to be closed")
	}

	s, ok := gw.Device()
	if !ok {
		t.Fatal("no active session")
	}
	if s.UserID != 7 {
		t.Fatalf("UserID = %d", s.UserID)
	}
}
