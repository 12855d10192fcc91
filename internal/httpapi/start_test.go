package httpapi

import (
	"context"
	"net"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Start", func() {
	var server *Server

	BeforeEach(func() {
		server = NewServerWithMux(nil, 0, http.NewServeMux())
	})

	It("should return the listen error and stop the shutdown watcher", func() {
		taken, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		defer taken.Close()

		errc := make(chan error, 1)
		go func() { errc <- server.Start(context.Background(), taken.Addr().String()) }()

		// Start only returns once the watcher has exited
		Eventually(errc, 5*time.Second).Should(Receive(HaveOccurred()))
	})

	It("should return nil after the context ends", func() {
		free, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		addr := free.Addr().String()
		Expect(free.Close()).To(Succeed())

		ctx, cancel := context.WithCancel(context.Background())
		errc := make(chan error, 1)
		go func() { errc <- server.Start(ctx, addr) }()

		Eventually(func() error {
			conn, err := net.Dial("tcp", addr)
			if err == nil {
				conn.Close()
			}
			return err
		}, 5*time.Second).Should(Succeed())

		cancel()
		Eventually(errc, 5*time.Second).Should(Receive(Not(HaveOccurred())))
	})
})
