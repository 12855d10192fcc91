package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"regexp"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/irys/internal/normalize"
	"github.com/zombor/irys/internal/ocr"
	"github.com/zombor/irys/internal/pipeline"
	"github.com/zombor/irys/internal/readiness"
	"github.com/zombor/irys/internal/store"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type extractResponse struct {
	SessionID string `json:"sessionId"`
	Table     struct {
		Headers []string `json:"headers"`
		Rows    []struct {
			Fields     map[string]string  `json:"fields"`
			Confidence map[string]float64 `json:"confidence"`
		} `json:"rows"`
	} `json:"table"`
	RowCount    int      `json:"rowCount"`
	OCRProvider string   `json:"ocrProvider"`
	Warnings    []string `json:"warnings"`
}

type exportResponse struct {
	Success      bool   `json:"success"`
	SessionID    string `json:"sessionId"`
	ExportID     string `json:"exportId"`
	RowsInserted int    `json:"rowsInserted"`
	Replayed     bool   `json:"replayed"`
	Message      string `json:"message"`
}

var _ = Describe("Server", func() {
	var (
		ctx         context.Context
		db          *store.SQLStore
		provider    *ocr.Static
		ready       *readiness.Gate
		server      *Server
		ghttpServer *ghttp.Server
	)

	setupServer := func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
		service := pipeline.NewService(db, provider, normalize.New(nil, 0), ready,
			pipeline.Options{OCRTimeout: time.Second})
		server = NewServerWithMux(service, 1<<20, http.NewServeMux())

		ghttpServer = ghttp.NewServer()
		all := regexp.MustCompile(".*")
		for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodOptions} {
			ghttpServer.RouteToHandler(method, all, server.ServeHTTP)
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		db, err = store.Open(ctx, "sqlite", ":memory:")
		Expect(err).NotTo(HaveOccurred())
		provider = ocr.NewStatic("Name\tID\nAda\t12")
		ready = readiness.Ready()
		setupServer()
	})

	AfterEach(func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
		db.Close()
	})

	upload := func(fields map[string]string, filename, contentType string, data []byte) *http.Response {
		body := &bytes.Buffer{}
		writer := multipart.NewWriter(body)
		for k, v := range fields {
			Expect(writer.WriteField(k, v)).To(Succeed())
		}
		if filename != "" {
			h := make(textproto.MIMEHeader)
			h.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
			h.Set("Content-Type", contentType)
			part, err := writer.CreatePart(h)
			Expect(err).NotTo(HaveOccurred())
			_, err = part.Write(data)
			Expect(err).NotTo(HaveOccurred())
		}
		Expect(writer.Close()).To(Succeed())

		resp, err := http.Post(ghttpServer.URL()+"/api/extract", writer.FormDataContentType(), body)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	postJSON := func(path string, v any, headers map[string]string) *http.Response {
		data, err := json.Marshal(v)
		Expect(err).NotTo(HaveOccurred())
		req, err := http.NewRequest(http.MethodPost, ghttpServer.URL()+path, bytes.NewReader(data))
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	get := func(path string) *http.Response {
		resp, err := http.Get(ghttpServer.URL() + path)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	decode := func(resp *http.Response, v any) {
		defer resp.Body.Close()
		ExpectWithOffset(1, json.NewDecoder(resp.Body).Decode(v)).To(Succeed())
	}

	createRegister := func() {
		resp := postJSON("/api/registers", map[string]any{
			"eventName": "workshop",
			"columns": []map[string]any{
				{"name": "Name", "type": "text", "required": true},
				{"name": "ID", "type": "number"},
			},
		}, nil)
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))
	}

	Describe("capture, verify and export", func() {
		It("should extract, export once and replay on retry", func() {
			createRegister()

			resp := upload(map[string]string{"eventName": "workshop"}, "sheet.png", "image/png", pngBytes)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var extracted extractResponse
			decode(resp, &extracted)
			Expect(extracted.SessionID).NotTo(BeEmpty())
			Expect(extracted.Table.Headers).To(Equal([]string{"Name", "ID"}))
			Expect(extracted.Table.Rows).To(HaveLen(1))
			Expect(extracted.Table.Rows[0].Fields).To(Equal(map[string]string{"Name": "Ada", "ID": "12"}))
			Expect(extracted.OCRProvider).To(Equal("fake"))

			body := map[string]any{
				"eventName":      "workshop",
				"sessionId":      extracted.SessionID,
				"idempotencyKey": "key-1",
				"rows":           []map[string]any{{"Name": "Ada", "ID": 12, "__meta": map[string]any{"edited": true}}},
			}
			resp = postJSON("/api/export", body, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			var first exportResponse
			decode(resp, &first)
			Expect(first.Success).To(BeTrue())
			Expect(first.RowsInserted).To(Equal(1))
			Expect(first.Replayed).To(BeFalse())
			Expect(first.Message).To(Equal("Exported 1 row(s) to workshop"))

			resp = postJSON("/api/export", body, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var second exportResponse
			decode(resp, &second)
			Expect(second.Replayed).To(BeTrue())
			Expect(second.ExportID).To(Equal(first.ExportID))

			var history struct {
				EventName string                `json:"eventName"`
				Exports   []store.ExportSummary `json:"exports"`
			}
			resp = get("/api/exports/workshop")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			decode(resp, &history)
			Expect(history.Exports).To(HaveLen(1))
			Expect(history.Exports[0].ExportID).To(Equal(first.ExportID))
			Expect(history.Exports[0].RowCount).To(Equal(1))

			var batch struct {
				ExportID string              `json:"exportId"`
				RowCount int                 `json:"rowCount"`
				Rows     []map[string]string `json:"rows"`
			}
			resp = get("/api/exports/workshop/" + first.ExportID)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			decode(resp, &batch)
			Expect(batch.RowCount).To(Equal(1))
			Expect(batch.Rows).To(Equal([]map[string]string{{"Name": "Ada", "ID": "12"}}))

			var detail struct {
				Session struct {
					Status string `json:"status"`
				} `json:"session"`
				Audit []struct {
					Action string `json:"action"`
				} `json:"audit"`
			}
			resp = get("/api/sessions/" + extracted.SessionID)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			decode(resp, &detail)
			Expect(detail.Session.Status).To(Equal("exported"))
			Expect(detail.Audit).NotTo(BeEmpty())
		})

		It("should take the idempotency key from the header", func() {
			resp := upload(map[string]string{"columns": `["Name","ID"]`}, "sheet.png", "image/png", pngBytes)
			var extracted extractResponse
			decode(resp, &extracted)

			resp = postJSON("/api/export", map[string]any{
				"eventName": "walkins",
				"sessionId": extracted.SessionID,
				"rows":      []map[string]any{{"Name": "Ada", "ID": "12"}},
			}, map[string]string{"Idempotency-Key": "hdr-1"})
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			resp.Body.Close()
		})

		It("should reject reuse of a key with different rows", func() {
			resp := upload(map[string]string{"columns": "Name, ID"}, "sheet.png", "image/png", pngBytes)
			var extracted extractResponse
			decode(resp, &extracted)

			body := map[string]any{
				"eventName":      "walkins",
				"sessionId":      extracted.SessionID,
				"idempotencyKey": "key-1",
				"rows":           []map[string]any{{"Name": "Ada", "ID": "12"}},
			}
			resp = postJSON("/api/export", body, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			resp.Body.Close()

			body["rows"] = []map[string]any{{"Name": "Grace", "ID": "12"}}
			resp = postJSON("/api/export", body, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
			var e errorResponse
			decode(resp, &e)
			Expect(e.Code).To(Equal(pipeline.CodeIdempotencyConflict))
		})
	})

	Describe("errors", func() {
		It("should return the error envelope with the request id", func() {
			req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/sessions/missing", nil)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set(RequestIDHeader, "req-42")
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())

			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			Expect(resp.Header.Get(RequestIDHeader)).To(Equal("req-42"))
			var e errorResponse
			decode(resp, &e)
			Expect(e.Code).To(Equal(pipeline.CodeNotFound))
			Expect(e.RequestID).To(Equal("req-42"))
			Expect(e.SessionID).To(Equal("missing"))
		})

		It("should assign a request id when none is sent", func() {
			resp := get("/api/registers/unknown")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			var e errorResponse
			decode(resp, &e)
			Expect(e.RequestID).NotTo(BeEmpty())
			Expect(resp.Header.Get(RequestIDHeader)).To(Equal(e.RequestID))
		})

		It("should reject an upload without a file", func() {
			resp := upload(map[string]string{"columns": "Name"}, "", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			var e errorResponse
			decode(resp, &e)
			Expect(e.Code).To(Equal(pipeline.CodeInvalidInput))
		})

		It("should reject an upload that is too large", func() {
			resp := upload(map[string]string{"columns": "Name"}, "big.png", "image/png", append(pngBytes, make([]byte, 1<<20)...))
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			var e errorResponse
			decode(resp, &e)
			Expect(e.Message).To(ContainSubstring("too large"))
		})

		It("should reject an upload that is not an image", func() {
			resp := upload(map[string]string{"columns": "Name"}, "notes.txt", "text/plain", []byte("hello"))
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			var e errorResponse
			decode(resp, &e)
			Expect(e.Code).To(Equal(pipeline.CodeInvalidInput))
		})

		It("should reject nested export cell values", func() {
			resp := postJSON("/api/export", map[string]any{
				"eventName":      "walkins",
				"sessionId":      "s",
				"idempotencyKey": "k",
				"rows":           []map[string]any{{"Name": []string{"a"}}},
			}, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			resp.Body.Close()
		})

		It("should report validation failures as 422 with details", func() {
			createRegister()
			resp := upload(map[string]string{"eventName": "workshop"}, "sheet.png", "image/png", pngBytes)
			var extracted extractResponse
			decode(resp, &extracted)

			resp = postJSON("/api/export", map[string]any{
				"eventName":      "workshop",
				"sessionId":      extracted.SessionID,
				"idempotencyKey": "k",
				"rows":           []map[string]any{{"Name": "", "ID": "12"}},
			}, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
			var e errorResponse
			decode(resp, &e)
			Expect(e.Code).To(Equal(pipeline.CodeValidationFailed))
			Expect(e.Details).NotTo(BeNil())
		})

		It("should report provider failures as 502 with the session id", func() {
			provider.Err = ocr.ErrProvider
			resp := upload(map[string]string{"columns": "Name"}, "sheet.png", "image/png", pngBytes)
			Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
			var e errorResponse
			decode(resp, &e)
			Expect(e.Code).To(Equal(pipeline.CodeOCRProviderError))
			Expect(e.Retryable).To(BeTrue())
			Expect(e.SessionID).NotTo(BeEmpty())
		})

		It("should reject a duplicate register", func() {
			createRegister()
			resp := postJSON("/api/registers", map[string]any{
				"eventName": "workshop",
				"columns":   []map[string]any{{"name": "Name", "type": "text"}},
			}, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
			var e errorResponse
			decode(resp, &e)
			Expect(e.Code).To(Equal(pipeline.CodeAlreadyExists))
		})
	})

	Describe("readiness", func() {
		It("should report health", func() {
			resp := get("/health")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var body map[string]any
			decode(resp, &body)
			Expect(body["status"]).To(Equal("ok"))
			Expect(body["ocrProvider"]).To(Equal("fake"))
		})

		It("should report ready", func() {
			resp := get("/ready")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			resp.Body.Close()
		})

		When("the engine is still starting", func() {
			BeforeEach(func() {
				ready = readiness.New()
				setupServer()
			})

			It("should report not ready", func() {
				resp := get("/ready")
				Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
				var body map[string]any
				decode(resp, &body)
				Expect(body["status"]).To(Equal("not_ready"))
			})

			It("should refuse extraction with Retry-After", func() {
				resp := upload(map[string]string{"columns": "Name"}, "sheet.png", "image/png", pngBytes)
				Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
				Expect(resp.Header.Get("Retry-After")).NotTo(BeEmpty())
				var e errorResponse
				decode(resp, &e)
				Expect(e.Code).To(Equal(pipeline.CodeEngineNotReady))
				Expect(provider.Calls).To(Equal(0))
			})
		})
	})

	Describe("CORS", func() {
		It("should answer preflight requests", func() {
			req, err := http.NewRequest(http.MethodOptions, ghttpServer.URL()+"/api/export", nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
			Expect(resp.Header.Get("Access-Control-Allow-Headers")).To(ContainSubstring("Idempotency-Key"))
		})

		It("should set headers on normal responses", func() {
			resp := get("/health")
			defer resp.Body.Close()
			_, _ = io.Copy(io.Discard, resp.Body)
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})
	})

	Describe("helpers", func() {
		It("should resolve content types from extensions", func() {
			Expect(contentTypeFor("", "a.JPG")).To(Equal("image/jpeg"))
			Expect(contentTypeFor("application/octet-stream", "a.heic")).To(Equal("image/heic"))
			Expect(contentTypeFor("image/png", "a.jpg")).To(Equal("image/png"))
		})

		It("should parse columns as JSON or a list", func() {
			Expect(parseColumns(`["A","B"]`)).To(Equal([]string{"A", "B"}))
			Expect(parseColumns(" A , B ,")).To(Equal([]string{"A", "B"}))
			_, err := parseColumns(`[1`)
			Expect(err).To(HaveOccurred())
		})
	})
})
