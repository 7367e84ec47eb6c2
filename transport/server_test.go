package transport_test

import (
	"errors"
	"net"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/foilen/relay/command"
	"github.com/foilen/relay/protocol"
	"github.com/foilen/relay/registry"
	"github.com/foilen/relay/transport"
)

var _ = Describe("Server", func() {
	var (
		serverHarness *harness
		clientHarness *harness
		server        *transport.Server
	)

	announced := registry.Endpoint{Host: "127.0.0.1", Port: 5000}

	BeforeEach(func() {
		serverHarness = &harness{}
		clientHarness = &harness{}
		server = makeServer(serverHarness, transport.Options{})
	})

	AfterEach(func() {
		Expect(server.Close()).To(Succeed())
	})

	It("listens on an ephemeral port", func() {
		Expect(server.Port()).NotTo(BeZero())

		conn, err := net.Dial("tcp", server.Addr().String())
		Expect(err).To(Succeed())
		conn.Close()
	})

	It("records the handshake port and runs a plain command exactly once", func() {
		client := dial(server, clientHarness, 5000, nil)
		defer client.Close()

		Eventually(server.Peers).Should(Equal([]registry.Endpoint{announced}))

		conns := server.Conns()
		Expect(conns).To(HaveLen(1))
		Expect(conns[0].RemotePort()).To(Equal(5000))
		Expect(conns[0].RemoteHost()).To(Equal("127.0.0.1"))

		Expect(client.Send(&record{Message: "ping"})).To(Succeed())

		Eventually(func() int { return serverHarness.Count("ping") }).Should(Equal(1))
		Consistently(func() int { return serverHarness.Count("ping") }, "100ms").Should(Equal(1))
	})

	It("dispatches commands from one connection in the order they were sent", func() {
		client := dial(server, clientHarness, 0, nil)
		defer client.Close()

		expected := make([]int, 0, 50)
		for i := 0; i < 50; i++ {
			Expect(client.Send(&record{Seq: i})).To(Succeed())
			expected = append(expected, i)
		}

		Eventually(serverHarness.Seqs).Should(Equal(expected))
	})

	It("keeps the connection open after unknown and malformed messages", func() {
		sock, err := net.Dial("tcp", server.Addr().String())
		Expect(err).To(Succeed())
		defer sock.Close()

		w := protocol.NewFrameWriter(sock, 0)
		Expect(w.WriteFrame([]byte("_type: test.nobody\n"))).To(Succeed())
		Expect(w.WriteFrame([]byte("{{{ not yaml"))).To(Succeed())
		Expect(w.WriteFrame([]byte("_type: test.record\nmessage: still-here\n"))).To(Succeed())

		Eventually(func() int { return serverHarness.Count("still-here") }).Should(Equal(1))
		Expect(server.Conns()).To(HaveLen(1))
		Expect(server.Conns()[0].State()).To(Equal(transport.Connected))
	})

	It("sends commands back to a peer that completed the handshake", func() {
		client := dial(server, clientHarness, 5000, nil)
		defer client.Close()

		Eventually(server.Peers).Should(ContainElement(announced))

		Expect(server.Send(announced, &record{Message: "back"})).To(Succeed())
		Eventually(func() int { return clientHarness.Count("back") }).Should(Equal(1))
	})

	It("refuses to send to unknown peers", func() {
		err := server.Send(announced, &record{Message: "lost"})
		Expect(errors.Is(err, transport.ErrUnknownPeer)).To(BeTrue())
	})

	It("replaces the previous connection announcing the same endpoint", func() {
		first := dial(server, clientHarness, 5000, nil)
		defer first.Close()
		Eventually(server.Peers).Should(ContainElement(announced))

		second := dial(server, clientHarness, 5000, nil)
		defer second.Close()

		Eventually(server.Conns).Should(HaveLen(1))
		Eventually(first.State).Should(Equal(transport.Failed))
		Expect(server.Peers()).To(Equal([]registry.Endpoint{announced}))
	})

	It("removes peers whose connection fails", func() {
		client := dial(server, clientHarness, 5000, nil)
		Eventually(server.Peers).Should(HaveLen(1))

		Expect(client.Close()).To(Succeed())

		Eventually(server.Peers).Should(BeEmpty())
		Eventually(server.Conns).Should(BeEmpty())
	})

	It("closes every connection on Close()", func() {
		failed := make(chan error, 1)
		client := dial(server, clientHarness, 0, func(_ *transport.Conn, err error) {
			failed <- err
		})
		defer client.Close()

		Eventually(server.Conns).Should(HaveLen(1))
		Expect(server.Close()).To(Succeed())

		Eventually(failed).Should(Receive())
		Expect(client.State()).To(Equal(transport.Failed))
		Expect(server.Conns()).To(BeEmpty())

		err := client.Send(&command.Log{Message: "after close"})
		Expect(errors.Is(err, transport.ErrNotConnected)).To(BeTrue())
	})

	Describe("with a read timeout", func() {
		It("drops idle connections", func() {
			idle := makeServer(serverHarness, transport.Options{ReadTimeout: 50 * time.Millisecond})
			defer idle.Close()

			sock, err := net.Dial("tcp", idle.Addr().String())
			Expect(err).To(Succeed())
			defer sock.Close()

			Eventually(idle.Conns).Should(HaveLen(1))
			Eventually(idle.Conns, "2s").Should(BeEmpty())
		})
	})
})
