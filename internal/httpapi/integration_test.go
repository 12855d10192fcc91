package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/irys/internal/normalize"
	"github.com/zombor/irys/internal/ocr"
	"github.com/zombor/irys/internal/pipeline"
	"github.com/zombor/irys/internal/readiness"
	"github.com/zombor/irys/internal/reconcile"
	"github.com/zombor/irys/internal/store"
)

var _ = Describe("Integration", func() {
	var (
		tempDir  string
		dbPath   string
		db       *store.SQLStore
		provider *ocr.Static
		ghServer *ghttp.Server
		err      error
	)

	open := func() *Server {
		db, err = store.Open(context.Background(), "sqlite", dbPath)
		Expect(err).NotTo(HaveOccurred())
		service := pipeline.NewService(db, provider, normalize.New(reconcile.Alias{}, time.Second), readiness.Ready(),
			pipeline.Options{OCRTimeout: time.Second})
		return NewServer(service, 0)
	}

	BeforeEach(func() {
		// Create temp directory for test artifacts
		tempDir, err = os.MkdirTemp("", "irys-test-*")
		Expect(err).NotTo(HaveOccurred())
		dbPath = filepath.Join(tempDir, "test.db")

		// Headers that need the alias reconciler to line up
		provider = ocr.NewStatic("| Full Name | Member Number |\n|---|---|\n| Ada Lovelace | 12 |\n| Grace Hopper | 7 |")

		ghServer = ghttp.NewServer()
	})

	AfterEach(func() {
		if ghServer != nil {
			ghServer.Close()
		}
		if db != nil {
			db.Close()
		}
		if tempDir != "" {
			os.RemoveAll(tempDir)
		}
	})

	It("should extract, export and replay the export after a restart", func() {
		server := open()
		// One handler per request
		ghServer.AppendHandlers(
			server.ServeHTTP, // extract
			server.ServeHTTP, // export
		)

		// --- Step 1: Extract ---
		body := &bytes.Buffer{}
		writer := multipart.NewWriter(body)
		Expect(writer.WriteField("columns", `["Name","Member ID"]`)).To(Succeed())
		part, err := writer.CreateFormFile("file", "sheet.png")
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write(pngBytes)
		Expect(err).NotTo(HaveOccurred())
		Expect(writer.Close()).To(Succeed())

		resp, err := http.Post(ghServer.URL()+"/api/extract", writer.FormDataContentType(), body)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		var extracted extractResponse
		Expect(json.NewDecoder(resp.Body).Decode(&extracted)).To(Succeed())
		resp.Body.Close()

		Expect(extracted.Table.Headers).To(Equal([]string{"Name", "Member ID"}))
		Expect(extracted.RowCount).To(Equal(2))
		Expect(extracted.Table.Rows[1].Fields).To(Equal(map[string]string{"Name": "Grace Hopper", "Member ID": "7"}))

		// --- Step 2: Export the verified rows ---
		rows := make([]map[string]string, len(extracted.Table.Rows))
		for i, r := range extracted.Table.Rows {
			rows[i] = r.Fields
		}
		exportBody, err := json.Marshal(map[string]any{
			"eventName":      "open-day",
			"sessionId":      extracted.SessionID,
			"idempotencyKey": "open-day-1",
			"rows":           rows,
		})
		Expect(err).NotTo(HaveOccurred())

		resp, err = http.Post(ghServer.URL()+"/api/export", "application/json", bytes.NewReader(exportBody))
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		var first exportResponse
		Expect(json.NewDecoder(resp.Body).Decode(&first)).To(Succeed())
		resp.Body.Close()
		Expect(first.RowsInserted).To(Equal(2))

		// --- Step 3: Restart and retry the same export ---
		Expect(db.Close()).To(Succeed())
		server = open()
		ghServer.AppendHandlers(server.ServeHTTP, server.ServeHTTP)

		resp, err = http.Post(ghServer.URL()+"/api/export", "application/json", bytes.NewReader(exportBody))
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		var replay exportResponse
		Expect(json.NewDecoder(resp.Body).Decode(&replay)).To(Succeed())
		resp.Body.Close()
		Expect(replay.Replayed).To(BeTrue())
		Expect(replay.ExportID).To(Equal(first.ExportID))

		// Nothing was written twice
		resp, err = http.Get(ghServer.URL() + "/api/exports/open-day")
		Expect(err).NotTo(HaveOccurred())
		var history struct {
			Exports []store.ExportSummary `json:"exports"`
		}
		Expect(json.NewDecoder(resp.Body).Decode(&history)).To(Succeed())
		resp.Body.Close()
		Expect(history.Exports).To(HaveLen(1))
		Expect(history.Exports[0].RowCount).To(Equal(2))
	})
})
