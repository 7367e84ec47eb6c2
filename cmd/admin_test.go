package cmd

import (
	"context"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/foilen/relay/client"
	"github.com/foilen/relay/registry"
	"github.com/foilen/relay/transport"
)

var _ = Describe("adminRouter", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		server *transport.Server
		pool   *client.Pool
	)

	get := func(path string) *httptest.ResponseRecorder {
		router := adminRouter(false, server, pool, zap.NewNop())

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())

		server = transport.NewServer(transport.Options{Host: "127.0.0.1"})
		Expect(server.Start(ctx)).To(Succeed())

		pool = client.New(client.Options{LocalPort: server.Port()})
	})

	AfterEach(func() {
		Expect(pool.Close()).To(Succeed())
		Expect(server.Close()).To(Succeed())
		cancel()
	})

	It("answers pings", func() {
		rec := get("/ping")

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(Equal("pong"))
	})

	It("lists connections on both sides", func() {
		ep := registry.Endpoint{Host: "127.0.0.1", Port: server.Port()}

		_, err := pool.GetOrCreateConnection(ctx, ep)
		Expect(err).ToNot(HaveOccurred())

		Eventually(func() []string {
			body := get("/connections").Body.Bytes()

			var peers []string
			for _, peer := range gjson.GetBytes(body, "peers").Array() {
				peers = append(peers, peer.String())
			}

			return peers
		}).Should(ConsistOf(ep.String()))

		body := get("/connections").Body.Bytes()

		Expect(gjson.GetBytes(body, "outbound.#").Int()).To(Equal(int64(1)))
		Expect(gjson.GetBytes(body, "outbound.0.endpoint").String()).To(Equal(ep.String()))
		Expect(gjson.GetBytes(body, "outbound.0.state").String()).To(Equal("connected"))
		Expect(gjson.GetBytes(body, "inbound.#").Int()).To(Equal(int64(1)))
		Expect(gjson.GetBytes(body, "inbound.0.state").String()).To(Equal("connected"))
	})
})
