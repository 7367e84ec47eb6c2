package registry_test

import (
	"errors"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/foilen/relay/registry"
)

type fakeConn struct {
	closed int
}

func (f *fakeConn) Close() error {
	f.closed++
	return nil
}

var _ = Describe("registry", func() {
	ep := registry.Endpoint{Host: "127.0.0.1", Port: 5000}

	Describe("Endpoint", func() {
		It("formats as host:port", func() {
			Expect(ep.String()).To(Equal("127.0.0.1:5000"))
			Expect(registry.Endpoint{Host: "::1", Port: 80}.String()).To(Equal("[::1]:80"))
		})

		It("parses host:port", func() {
			Expect(registry.ParseEndpoint("127.0.0.1:5000")).To(Equal(ep))
		})

		It("rejects invalid ports", func() {
			_, err := registry.ParseEndpoint("127.0.0.1:0")
			Expect(err).To(HaveOccurred())

			_, err = registry.ParseEndpoint("127.0.0.1")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Register()", func() {
		It("stores one connection per endpoint", func() {
			reg := registry.New()
			defer reg.Close()

			conn := &fakeConn{}
			Expect(reg.Register(ep, conn)).To(Succeed())

			got, ok := reg.Get(ep)
			Expect(ok).To(BeTrue())
			Expect(got).To(BeIdenticalTo(conn))
			Expect(reg.Len()).To(Equal(1))
		})

		It("replaces and closes the previous connection", func() {
			reg := registry.New()
			defer reg.Close()

			events := reg.ListenToEvents()

			first, second := &fakeConn{}, &fakeConn{}
			Expect(reg.Register(ep, first)).To(Succeed())
			Expect(reg.Register(ep, second)).To(Succeed())

			got, _ := reg.Get(ep)
			Expect(got).To(BeIdenticalTo(second))
			Expect(first.closed).To(Equal(1))
			Expect(second.closed).To(BeZero())
			Expect(reg.Len()).To(Equal(1))

			Expect(<-events).To(Equal(&registry.Event{Kind: registry.Registered, Endpoint: ep}))
			Expect(<-events).To(Equal(&registry.Event{Kind: registry.Replaced, Endpoint: ep}))
		})

		It("does not close a connection registered twice", func() {
			reg := registry.New()
			defer reg.Close()

			conn := &fakeConn{}
			Expect(reg.Register(ep, conn)).To(Succeed())
			Expect(reg.Register(ep, conn)).To(Succeed())
			Expect(conn.closed).To(BeZero())
		})

		It("closes connections registered after Close()", func() {
			reg := registry.New()
			Expect(reg.Close()).To(Succeed())

			conn := &fakeConn{}
			err := reg.Register(ep, conn)
			Expect(errors.Is(err, registry.ErrClosed)).To(BeTrue())
			Expect(conn.closed).To(Equal(1))
		})
	})

	Describe("Remove()", func() {
		It("ignores stale connections", func() {
			reg := registry.New()
			defer reg.Close()

			stale, current := &fakeConn{}, &fakeConn{}
			Expect(reg.Register(ep, stale)).To(Succeed())
			Expect(reg.Register(ep, current)).To(Succeed())

			Expect(reg.Remove(ep, stale)).To(BeFalse())
			Expect(reg.Len()).To(Equal(1))

			Expect(reg.Remove(ep, current)).To(BeTrue())
			Expect(reg.Len()).To(BeZero())
			Expect(current.closed).To(BeZero())
		})

		It("emits an abandoned event from Abandon()", func() {
			reg := registry.New()
			defer reg.Close()

			conn := &fakeConn{}
			Expect(reg.Register(ep, conn)).To(Succeed())

			events := reg.ListenToEvents()
			Expect(reg.Abandon(ep, conn)).To(BeTrue())
			Expect(<-events).To(Equal(&registry.Event{Kind: registry.Abandoned, Endpoint: ep}))
		})
	})

	Describe("Endpoints()", func() {
		It("returns sorted endpoints", func() {
			reg := registry.New()
			defer reg.Close()

			b := registry.Endpoint{Host: "10.0.0.2", Port: 1}
			a := registry.Endpoint{Host: "10.0.0.1", Port: 1}
			Expect(reg.Register(b, &fakeConn{})).To(Succeed())
			Expect(reg.Register(a, &fakeConn{})).To(Succeed())

			Expect(reg.Endpoints()).To(Equal([]registry.Endpoint{a, b}))
		})
	})

	Describe("Close()", func() {
		It("closes every connection and event channel", func() {
			reg := registry.New()
			events := reg.ListenToEvents()

			conn := &fakeConn{}
			Expect(reg.Register(ep, conn)).To(Succeed())
			<-events

			Expect(reg.Close()).To(Succeed())
			Expect(conn.closed).To(Equal(1))
			Expect(reg.Len()).To(BeZero())

			_, ok := <-events
			Expect(ok).To(BeFalse())
		})

		It("does not panic when closed twice", func() {
			reg := registry.New()

			Expect(func() { reg.Close() }).NotTo(Panic())
			Expect(func() { reg.Close() }).NotTo(Panic())
		})
	})
})
