package tele

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/stretchr/testify/require"
	"github.com/temoto/muonlink/log2"
)

const testServerTimeout = 5 * time.Second

// testServer is minimal MQTT broker side on loopback:
// checks login, acks QOS1 publish and subscribe, records what clients sent.
type testServer struct {
	log   *log2.Log
	ns    *transport.NetServer
	users map[string]string
	wg    sync.WaitGroup

	mu    sync.Mutex
	conns map[transport.Conn]struct{}

	connects   chan string // client id of accepted CONNECT
	refused    chan string // username of rejected CONNECT
	publishes  chan *packet.Message
	subscribes chan string
}

func newTestServer(t testing.TB, log *log2.Log, users map[string]string) *testServer {
	listen, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &testServer{
		log:        log,
		ns:         transport.NewNetServer(listen),
		users:      users,
		conns:      make(map[transport.Conn]struct{}),
		connects:   make(chan string, 32),
		refused:    make(chan string, 32),
		publishes:  make(chan *packet.Message, 32),
		subscribes: make(chan string, 32),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.close)
	return s
}

func (s *testServer) URL() string { return "tcp://" + s.ns.Addr().String() }

// kick drops every client connection without DISCONNECT.
func (s *testServer) kick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}

// send QOS0 publish to every connected client.
func (s *testServer) send(topic string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		pkt := packet.NewPublish()
		pkt.Message = packet.Message{Topic: topic, Payload: payload, QOS: packet.QOSAtMostOnce}
		if err := conn.Send(pkt, false); err != nil {
			return err
		}
	}
	return nil
}

func (s *testServer) close() {
	_ = s.ns.Close()
	s.kick()
	s.wg.Wait()
}

func (s *testServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ns.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *testServer) serve(conn transport.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	pkt, err := conn.Receive()
	if err != nil {
		s.log.Debugf("test server first packet err=%v", err)
		return
	}
	connect, ok := pkt.(*packet.Connect)
	if !ok {
		s.log.Debugf("test server expected CONNECT pkt=%s", pkt.String())
		return
	}
	connack := packet.NewConnack()
	if secret, ok := s.users[connect.Username]; !ok || secret != connect.Password {
		connack.ReturnCode = packet.NotAuthorized
		_ = conn.Send(connack, false)
		s.refused <- connect.Username
		return
	}
	connack.ReturnCode = packet.ConnectionAccepted
	if err = conn.Send(connack, false); err != nil {
		return
	}
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()
	s.connects <- connect.ClientID

	for {
		pkt, err = conn.Receive()
		if err != nil {
			return
		}
		switch p := pkt.(type) {
		case *packet.Pingreq:
			err = conn.Send(packet.NewPingresp(), false)

		case *packet.Publish:
			s.publishes <- p.Message.Copy()
			if p.Message.QOS == packet.QOSAtLeastOnce {
				puback := packet.NewPuback()
				puback.ID = p.ID
				err = conn.Send(puback, false)
			}

		case *packet.Subscribe:
			suback := packet.NewSuback()
			suback.ID = p.ID
			for _, sub := range p.Subscriptions {
				suback.ReturnCodes = append(suback.ReturnCodes, sub.QOS)
				s.subscribes <- sub.Topic
			}
			err = conn.Send(suback, false)

		case *packet.Unsubscribe:
			unsuback := packet.NewUnsuback()
			unsuback.ID = p.ID
			err = conn.Send(unsuback, false)

		case *packet.Disconnect:
			return
		}
		if err != nil {
			return
		}
	}
}

func recvString(t testing.TB, ch <-chan string, what string) string {
	select {
	case s := <-ch:
		return s
	case <-time.After(testServerTimeout):
		t.Fatalf("test server timeout waiting for %s", what)
		return ""
	}
}

func recvMessage(t testing.TB, ch <-chan *packet.Message) *packet.Message {
	select {
	case m := <-ch:
		return m
	case <-time.After(testServerTimeout):
		t.Fatalf("test server timeout waiting for publish")
		return nil
	}
}
