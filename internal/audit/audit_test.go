package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestAudit(t *testing.T) {
	// Disable logging during tests
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))

	RegisterFailHandler(Fail)
	RunSpecs(t, "Audit Suite")
}

// mockAppender is a mock implementation of Appender
type mockAppender struct {
	events    []Event
	appendErr error
	ctxErr    error
}

func (m *mockAppender) AppendAudit(ctx context.Context, e Event) error {
	m.ctxErr = ctx.Err()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.events = append(m.events, e)
	return nil
}

type mockIDGenerator struct{ id string }

func (m *mockIDGenerator) Generate() string { return m.id }

type mockTimeSource struct{ now time.Time }

func (m *mockTimeSource) Now() time.Time { return m.now }

var _ = Describe("Recorder", func() {
	var (
		store    *mockAppender
		recorder *Recorder
		now      time.Time
	)

	BeforeEach(func() {
		store = &mockAppender{}
		now = time.Date(2026, 2, 4, 9, 0, 0, 0, time.UTC)
		recorder = NewRecorderWithDeps(store, &mockIDGenerator{id: "evt-1"}, &mockTimeSource{now: now})
	})

	Describe("Record", func() {
		It("should append a stamped event", func() {
			recorder.Record(context.Background(), "s1", ActionSessionCreated, map[string]any{"provider": "fake"})
			Expect(store.events).To(Equal([]Event{{
				ID:        "evt-1",
				SessionID: "s1",
				Action:    ActionSessionCreated,
				Metadata:  map[string]any{"provider": "fake"},
				Timestamp: now,
			}}))
		})

		It("should default metadata to an empty object", func() {
			recorder.Record(context.Background(), "s1", ActionExtractStarted, nil)
			Expect(store.events[0].Metadata).To(Equal(map[string]any{}))
		})

		It("should still write after the caller cancels", func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			recorder.Record(ctx, "s1", ActionExtractFailed, nil)
			Expect(store.ctxErr).NotTo(HaveOccurred())
			Expect(store.events).To(HaveLen(1))
		})

		It("should swallow append failures", func() {
			store.appendErr = errors.New("disk full")
			Expect(func() {
				recorder.Record(context.Background(), "s1", ActionExtractFailed, nil)
			}).NotTo(Panic())
		})
	})

	Describe("RecordTx", func() {
		It("should append through the transaction", func() {
			tx := &mockAppender{}
			Expect(recorder.RecordTx(context.Background(), tx, "s1", ActionExportCommitted, nil)).To(Succeed())
			Expect(tx.events).To(HaveLen(1))
			Expect(store.events).To(BeEmpty())
		})

		It("should return append failures", func() {
			tx := &mockAppender{appendErr: errors.New("conflict")}
			err := recorder.RecordTx(context.Background(), tx, "s1", ActionExportCommitted, nil)
			Expect(err).To(MatchError(ContainSubstring("export_committed")))
		})
	})
})
