package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/irys/internal/audit"
	"github.com/zombor/irys/internal/schema"
	"github.com/zombor/irys/internal/session"
	"github.com/zombor/irys/internal/store"
)

func TestExport(t *testing.T) {
	// Disable logging during tests
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))

	RegisterFailHandler(Fail)
	RunSpecs(t, "Export Suite")
}

// seqGenerator hands out prefixed sequential IDs
type seqGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

func (g *seqGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}

type mockTimeSource struct{ now time.Time }

func (m *mockTimeSource) Now() time.Time { return m.now }

// flakyStore fails the next txFailures transactions before they start, and
// the audit write of the next auditFailures transactions after the rest of
// their work is done
type flakyStore struct {
	store.Store
	mu            sync.Mutex
	txFailures    int
	auditFailures int
	txCalls       int
}

func (f *flakyStore) InTx(ctx context.Context, key string, fn func(tx store.Tx) error) error {
	f.mu.Lock()
	f.txCalls++
	fail := f.txFailures > 0
	if fail {
		f.txFailures--
	}
	failAudit := !fail && f.auditFailures > 0
	if failAudit {
		f.auditFailures--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("connection reset by peer")
	}
	return f.Store.InTx(ctx, key, func(tx store.Tx) error {
		if failAudit {
			tx = failingAuditTx{Tx: tx}
		}
		return fn(tx)
	})
}

type failingAuditTx struct{ store.Tx }

func (failingAuditTx) AppendAudit(context.Context, audit.Event) error {
	return errors.New("disk I/O error")
}

var _ = Describe("Gate", func() {
	var (
		ctx   context.Context
		db    *store.SQLStore
		flaky *flakyStore
		gate  *Gate
		now   time.Time
		reg   *schema.Schema
		req   Request
	)

	newSession := func(id, schemaID string, status session.Status) {
		Expect(db.CreateSession(ctx, &session.Session{
			ID: id, SchemaID: schemaID, Status: status, OCRProvider: "fake",
			CreatedAt: now, UpdatedAt: now,
		})).To(Succeed())
	}

	status := func(id string) session.Status {
		s, err := db.GetSession(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		return s.Status
	}

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		db, err = store.Open(ctx, "sqlite", ":memory:")
		Expect(err).NotTo(HaveOccurred())

		now = time.Date(2026, 2, 4, 9, 0, 0, 0, time.UTC)
		clock := &mockTimeSource{now: now}
		flaky = &flakyStore{Store: db}
		recorder := audit.NewRecorderWithDeps(db, &seqGenerator{prefix: "evt"}, clock)
		gate = NewGateWithDeps(flaky, recorder, &seqGenerator{prefix: "export"}, clock, 0)

		reg = &schema.Schema{
			ID:        "schema-1",
			EventName: "workshop",
			Columns: []schema.Column{
				{Name: "Name", Type: schema.TypeText, Required: true},
				{Name: "ID", Type: schema.TypeNumber},
			},
			CreatedAt: now,
		}
		Expect(db.CreateSchema(ctx, reg)).To(Succeed())
		newSession("s1", reg.ID, session.StatusExtracted)

		req = Request{
			SessionID:      "s1",
			EventName:      "workshop",
			Rows:           []map[string]string{{"Name": "Ada", "ID": "12"}},
			IdempotencyKey: "abc",
		}
	})

	AfterEach(func() {
		db.Close()
	})

	It("should commit rows once and replay a repeated request", func() {
		first, err := gate.Export(ctx, req)
		Expect(err).NotTo(HaveOccurred())
		Expect(first).To(Equal(&Result{SessionID: "s1", ExportID: "export-1", RowsInserted: 1}))

		second, err := gate.Export(ctx, req)
		Expect(err).NotTo(HaveOccurred())
		Expect(second.ExportID).To(Equal("export-1"))
		Expect(second.RowsInserted).To(Equal(1))
		Expect(second.Replayed).To(BeTrue())

		rows, err := db.GetExportRows(ctx, "workshop", "export-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(rows).To(Equal([]map[string]string{{"Name": "Ada", "ID": "12"}}))
		Expect(status("s1")).To(Equal(session.StatusExported))
	})

	It("should record the commit in the audit trail", func() {
		_, err := gate.Export(ctx, req)
		Expect(err).NotTo(HaveOccurred())

		events, err := db.ListAudit(ctx, "s1")
		Expect(err).NotTo(HaveOccurred())
		var actions []audit.Action
		for _, e := range events {
			actions = append(actions, e.Action)
		}
		Expect(actions).To(Equal([]audit.Action{audit.ActionExportStarted, audit.ActionExportCommitted}))
		Expect(events[1].Metadata).To(HaveKeyWithValue("exportId", "export-1"))
	})

	It("should treat whitespace and key case differences as the same content", func() {
		_, err := gate.Export(ctx, req)
		Expect(err).NotTo(HaveOccurred())

		req.Rows = []map[string]string{{"name": " Ada ", "id": "12", schema.MetaKey: "ui"}}
		res, err := gate.Export(ctx, req)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Replayed).To(BeTrue())
	})

	It("should reject a reused key with different rows", func() {
		_, err := gate.Export(ctx, req)
		Expect(err).NotTo(HaveOccurred())

		req.Rows = []map[string]string{{"Name": "Bo", "ID": "7"}}
		_, err = gate.Export(ctx, req)
		Expect(err).To(MatchError(ErrIdempotencyConflict))

		rows, _ := db.GetExportRows(ctx, "workshop", "export-1")
		Expect(rows).To(HaveLen(1))
	})

	It("should reject a reused key from another session", func() {
		_, err := gate.Export(ctx, req)
		Expect(err).NotTo(HaveOccurred())

		newSession("s2", reg.ID, session.StatusExtracted)
		req.SessionID = "s2"
		_, err = gate.Export(ctx, req)
		Expect(err).To(MatchError(ErrIdempotencyConflict))
		Expect(status("s2")).To(Equal(session.StatusExtracted))
	})

	It("should refuse a second export of the same session under a new key", func() {
		_, err := gate.Export(ctx, req)
		Expect(err).NotTo(HaveOccurred())

		req.IdempotencyKey = "def"
		_, err = gate.Export(ctx, req)
		Expect(err).To(MatchError(ErrAlreadyExported))
	})

	It("should block rows missing a required value and keep the session extracted", func() {
		req.Rows = []map[string]string{{"Name": "", "ID": "12"}}
		_, err := gate.Export(ctx, req)

		var verr *ValidationError
		Expect(errors.As(err, &verr)).To(BeTrue())
		Expect(verr.Violations).To(Equal([]schema.Violation{{Row: 0, Column: "Name", Reason: "required value is empty"}}))
		Expect(err).To(MatchError(ErrValidation))
		Expect(status("s1")).To(Equal(session.StatusExtracted))
	})

	It("should block a row naming the same column twice", func() {
		req.Rows = []map[string]string{{"Name": "Ada", "name": "Bob", "ID": "12"}}
		_, err := gate.Export(ctx, req)

		var verr *ValidationError
		Expect(errors.As(err, &verr)).To(BeTrue())
		Expect(verr.Violations).To(Equal([]schema.Violation{{Row: 0, Column: "Name", Reason: "duplicate column"}}))
		Expect(status("s1")).To(Equal(session.StatusExtracted))
	})

	It("should block unknown columns", func() {
		req.Rows = []map[string]string{{"Name": "Ada", "Email": "a@b.c"}}
		_, err := gate.Export(ctx, req)
		Expect(err).To(MatchError(ErrValidation))
	})

	It("should refuse a register the session does not belong to", func() {
		req.EventName = "other"
		_, err := gate.Export(ctx, req)
		Expect(err).To(MatchError(ErrValidation))
	})

	It("should refuse sessions that have not been extracted", func() {
		newSession("s2", reg.ID, session.StatusExtracting)
		req.SessionID = "s2"
		_, err := gate.Export(ctx, req)
		Expect(err).To(MatchError(ErrInvalidState))
	})

	It("should report unknown sessions", func() {
		req.SessionID = "missing"
		_, err := gate.Export(ctx, req)
		Expect(err).To(MatchError(store.ErrNotFound))
	})

	DescribeTable("should reject incomplete requests",
		func(mutate func(*Request)) {
			mutate(&req)
			_, err := gate.Export(ctx, req)
			Expect(err).To(MatchError(ErrInvalidRequest))
		},
		Entry("no key", func(r *Request) { r.IdempotencyKey = " " }),
		Entry("no event", func(r *Request) { r.EventName = "" }),
		Entry("no session", func(r *Request) { r.SessionID = "" }),
		Entry("no rows", func(r *Request) { r.Rows = nil }),
	)

	When("the session uses an ad-hoc schema", func() {
		BeforeEach(func() {
			adHoc := &schema.Schema{ID: "adhoc", Columns: schema.TextColumns([]string{"Name", "ID"}), CreatedAt: now}
			Expect(db.CreateSchema(ctx, adHoc)).To(Succeed())
			newSession("s2", adHoc.ID, session.StatusExtracted)
			req.SessionID = "s2"
		})

		It("should register the schema under a new event name", func() {
			req.EventName = "fair"
			_, err := gate.Export(ctx, req)
			Expect(err).NotTo(HaveOccurred())

			bound, err := db.GetSchemaByEvent(ctx, "fair")
			Expect(err).NotTo(HaveOccurred())
			Expect(bound.ID).To(Equal("adhoc"))
		})

		It("should export into an existing register with the same columns", func() {
			_, err := gate.Export(ctx, req)
			Expect(err).NotTo(HaveOccurred())

			adHoc, _ := db.GetSchema(ctx, "adhoc")
			Expect(adHoc.EventName).To(BeEmpty())
		})

		It("should validate against the existing register's required columns", func() {
			req.Rows = []map[string]string{{"Name": "", "ID": "12"}}
			_, err := gate.Export(ctx, req)
			Expect(err).To(MatchError(ErrValidation))
		})

		It("should refuse an existing register with different columns", func() {
			other := &schema.Schema{ID: "other", EventName: "fair", Columns: schema.TextColumns([]string{"Email"}), CreatedAt: now}
			Expect(db.CreateSchema(ctx, other)).To(Succeed())
			req.EventName = "fair"
			_, err := gate.Export(ctx, req)
			Expect(err).To(MatchError(ErrValidation))
		})
	})

	When("the store fails", func() {
		It("should retry the commit once", func() {
			flaky.txFailures = 1
			res, err := gate.Export(ctx, req)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.RowsInserted).To(Equal(1))
			Expect(flaky.txCalls).To(Equal(2))
		})

		It("should surface the session id and mark the attempt failed", func() {
			flaky.txFailures = 2
			_, err := gate.Export(ctx, req)

			var perr *PersistenceError
			Expect(errors.As(err, &perr)).To(BeTrue())
			Expect(perr.SessionID).To(Equal("s1"))
			Expect(err).To(MatchError(ErrPersistence))
			Expect(status("s1")).To(Equal(session.StatusExportFailed))

			rows, err := db.ListExports(ctx, "workshop")
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).To(BeEmpty())
		})

		It("should roll back everything written before a failed audit write", func() {
			flaky.auditFailures = 2
			_, err := gate.Export(ctx, req)
			Expect(err).To(MatchError(ErrPersistence))
			Expect(status("s1")).To(Equal(session.StatusExportFailed))

			_, err = db.GetExportRecord(ctx, "abc")
			Expect(err).To(MatchError(store.ErrNotFound))
			for _, id := range []string{"export-1", "export-2"} {
				_, err = db.GetExportRows(ctx, "workshop", id)
				Expect(err).To(MatchError(store.ErrNotFound))
			}
			exports, err := db.ListExports(ctx, "workshop")
			Expect(err).NotTo(HaveOccurred())
			Expect(exports).To(BeEmpty())

			events, err := db.ListAudit(ctx, "s1")
			Expect(err).NotTo(HaveOccurred())
			for _, e := range events {
				Expect(e.Action).NotTo(Equal(audit.ActionExportCommitted))
			}

			res, err := gate.Export(ctx, req)
			Expect(err).NotTo(HaveOccurred())
			rows, err := db.GetExportRows(ctx, "workshop", res.ExportID)
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).To(HaveLen(1))
		})

		It("should let a failed attempt be retried", func() {
			flaky.txFailures = 2
			_, err := gate.Export(ctx, req)
			Expect(err).To(HaveOccurred())

			res, err := gate.Export(ctx, req)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Replayed).To(BeFalse())
			Expect(status("s1")).To(Equal(session.StatusExported))
		})
	})

	It("should commit once under concurrent requests with the same key", func() {
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			results []*Result
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				res, err := gate.Export(ctx, req)
				Expect(err).NotTo(HaveOccurred())
				mu.Lock()
				results = append(results, res)
				mu.Unlock()
			}()
		}
		wg.Wait()

		for _, r := range results {
			Expect(r.ExportID).To(Equal(results[0].ExportID))
			Expect(r.RowsInserted).To(Equal(1))
		}
		exports, err := db.ListExports(ctx, "workshop")
		Expect(err).NotTo(HaveOccurred())
		Expect(exports).To(HaveLen(1))
	})
})

var _ = Describe("RequestHash", func() {
	It("should depend on row order and event name", func() {
		a := [][]string{{"Ada", "12"}, {"Bo", "7"}}
		b := [][]string{{"Bo", "7"}, {"Ada", "12"}}
		Expect(RequestHash("e", a)).To(Equal(RequestHash("e", a)))
		Expect(RequestHash("e", a)).NotTo(Equal(RequestHash("e", b)))
		Expect(RequestHash("e", a)).NotTo(Equal(RequestHash("f", a)))
	})
})
