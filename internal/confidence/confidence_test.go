package confidence

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/irys/internal/schema"
	"github.com/zombor/irys/internal/table"
)

func TestConfidence(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Confidence Suite")
}

func ptr(f float64) *float64 { return &f }

var _ = Describe("Confidence", func() {
	var (
		s   *schema.Schema
		row table.Row
	)

	BeforeEach(func() {
		var err error
		s, err = schema.New("", []schema.Column{
			{Name: "Name", Type: schema.TypeText, Required: true},
			{Name: "ID", Type: schema.TypeNumber, Required: true},
			{Name: "Notes", Type: schema.TypeText},
		})
		Expect(err).NotTo(HaveOccurred())
		row = table.Row{Fields: map[string]string{"Name": "Ada", "ID": "12", "Notes": ""}}
	})

	When("every field is clean and no OCR confidence is reported", func() {
		It("should score each field and the row at 1", func() {
			Expect(Score(row, s)).To(Equal(map[string]float64{"Name": 1, "ID": 1, "Notes": 1}))
			Expect(RowScore(row, s)).To(Equal(1.0))
		})
	})

	When("OCR reports a confidence", func() {
		BeforeEach(func() {
			row.Signals = map[string]table.Signal{"Name": {OCR: ptr(0.8)}}
		})

		It("should start from it", func() {
			Expect(Score(row, s)["Name"]).To(Equal(0.8))
		})
	})

	When("a required field is empty", func() {
		BeforeEach(func() {
			row.Fields["ID"] = ""
		})

		It("should penalize that field and the row", func() {
			Expect(Score(row, s)["ID"]).To(Equal(1 - MissingRequiredPenalty))
			Expect(RowScore(row, s)).To(BeNumerically("<", 1))
		})
	})

	When("a number does not parse", func() {
		BeforeEach(func() {
			row.Fields["ID"] = "l2"
		})

		It("should keep scoring but lower the field", func() {
			Expect(Score(row, s)["ID"]).To(Equal(1 - CoercionPenalty))
		})
	})

	When("penalties exceed the base", func() {
		BeforeEach(func() {
			row.Fields["ID"] = ""
			row.Signals = map[string]table.Signal{"ID": {OCR: ptr(0.2), Reconciled: true}}
		})

		It("should clamp at zero", func() {
			Expect(Score(row, s)["ID"]).To(Equal(0.0))
		})
	})

	It("should never increase when a penalty is added", func() {
		base := Score(row, s)
		baseRow := RowScore(row, s)

		variants := []func(r *table.Row){
			func(r *table.Row) { r.Fields["ID"] = "" },
			func(r *table.Row) { r.Fields["ID"] = "twelve" },
			func(r *table.Row) { r.Signals = map[string]table.Signal{"ID": {Reconciled: true}} },
		}
		for _, mutate := range variants {
			r := table.Row{Fields: map[string]string{"Name": "Ada", "ID": "12", "Notes": ""}}
			mutate(&r)
			Expect(Score(r, s)["ID"]).To(BeNumerically("<=", base["ID"]))
			Expect(RowScore(r, s)).To(BeNumerically("<=", baseRow))
		}
	})

	It("should ignore optional columns in the row score", func() {
		row.Fields["Notes"] = "??"
		row.Signals = map[string]table.Signal{"Notes": {OCR: ptr(0.1)}}
		Expect(RowScore(row, s)).To(Equal(1.0))
	})

	When("the schema has no required columns", func() {
		BeforeEach(func() {
			s, _ = schema.New("", schema.TextColumns([]string{"A", "B"}))
		})

		It("should average the populated fields", func() {
			r := table.Row{
				Fields:  map[string]string{"A": "x", "B": ""},
				Signals: map[string]table.Signal{"A": {OCR: ptr(0.6)}},
			}
			Expect(RowScore(r, s)).To(Equal(0.6))
		})

		It("should score a blank row at zero", func() {
			Expect(RowScore(table.Row{Fields: map[string]string{}}, s)).To(Equal(0.0))
		})
	})

	It("should fill scores in place", func() {
		rows := []table.Row{row}
		Apply(rows, s)
		Expect(rows[0].RowConfidence).To(Equal(1.0))
		Expect(rows[0].Confidence).To(HaveKey("Notes"))
	})
})
