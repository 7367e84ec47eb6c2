package command_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/foilen/relay/command"
)

var _ = Describe("Builtins", func() {
	Describe("Handshake", func() {
		It("sets the port of the delivering connection", func() {
			peer := &fakePeer{host: "127.0.0.1", port: 51234}

			h := &command.Handshake{Port: 5000}
			h.SetConnection(peer)

			Expect(h.Run()).To(Succeed())
			Expect(peer.port).To(Equal(5000))
			Expect(peer.host).To(Equal("127.0.0.1"))
		})

		It("fails without a connection", func() {
			Expect((&command.Handshake{Port: 5000}).Run()).To(MatchError(command.ErrNoConnection))
		})

		It("rejects ports out of range and leaves the connection untouched", func() {
			peer := &fakePeer{port: 51234}

			h := &command.Handshake{Port: 70000}
			h.SetConnection(peer)

			Expect(h.Run()).To(MatchError(command.ErrInvalidPort))
			Expect(peer.port).To(Equal(51234))
			Expect(peer.setCalls).To(BeZero())
		})
	})

	Describe("Log", func() {
		It("runs without a logger", func() {
			Expect((&command.Log{Message: "hi"}).Run()).To(Succeed())
		})
	})
})
