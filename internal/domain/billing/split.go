package billing

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Rates is the tariff applied when building invoices. It is passed to the
// service explicitly so each deployment and each test can use its own.
type Rates struct {
	ConsultationFee decimal.Decimal
	CoverageRatio   decimal.Decimal
	DefaultLabFee   decimal.Decimal
	LabFees         map[string]decimal.Decimal
}

// DefaultRates returns the hospital's standard tariff: a 5000.00
// consultation, 80% HMO coverage and unpriced lab tests.
func DefaultRates() Rates {
	return Rates{
		ConsultationFee: decimal.RequireFromString("5000.00"),
		CoverageRatio:   decimal.RequireFromString("0.80"),
		DefaultLabFee:   decimal.Zero,
	}
}

// Split divides total between the patient and the payer. The payer share
// is rounded half-up to kobo and the patient pays the remainder, so the two
// always add back to total.
func (r Rates) Split(total decimal.Decimal, insured bool) (patient, payer decimal.Decimal) {
	if !insured {
		return total, decimal.Zero
	}
	payer = total.Mul(r.CoverageRatio).Round(2)
	return total.Sub(payer), payer
}

// LabFee prices a lab test by name. Exact names win over case-insensitive
// matches; unknown tests cost DefaultLabFee.
func (r Rates) LabFee(name string) decimal.Decimal {
	name = strings.TrimSpace(name)
	if fee, ok := r.LabFees[name]; ok {
		return fee
	}
	for test, fee := range r.LabFees {
		if strings.EqualFold(test, name) {
			return fee
		}
	}
	return r.DefaultLabFee
}

// BillableVisit is what the visit module exposes for invoicing.
type BillableVisit struct {
	VisitID        uuid.UUID
	VisitNumber    string
	PatientID      uuid.UUID
	HospitalNumber string
	PatientName    string
	Insured        bool
	HMOName        string
	Drugs          []BillableDrug
	Labs           []BillableLab
}

// BillableDrug is one non-cancelled prescription item.
type BillableDrug struct {
	Name      string
	Strength  string
	Form      string
	UnitPrice decimal.Decimal
	Quantity  int
}

// BillableLab is one lab request.
type BillableLab struct {
	Name string
}

// BillablePatient is what the patient module exposes for standalone invoices.
type BillablePatient struct {
	PatientID      uuid.UUID
	HospitalNumber string
	PatientName    string
	Insured        bool
	HMOName        string
}

// PayerName is the HMO name snapshotted onto the invoice. Uninsured
// patients have none even if an HMO is still on file.
func (p BillablePatient) PayerName() string {
	if !p.Insured {
		return ""
	}
	return strings.TrimSpace(p.HMOName)
}

// Patient returns the patient half of the visit.
func (v *BillableVisit) Patient() BillablePatient {
	return BillablePatient{
		PatientID:      v.PatientID,
		HospitalNumber: v.HospitalNumber,
		PatientName:    v.PatientName,
		Insured:        v.Insured,
		HMOName:        v.HMOName,
	}
}

// LineInput is a manually entered charge on a standalone invoice.
type LineInput struct {
	LineType    string          `json:"line_type" validate:"required,oneof=CONSULTATION LAB DRUG"`
	Description string          `json:"description" validate:"required,max=255"`
	Quantity    int             `json:"quantity" validate:"gte=0"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

func drugDescription(d BillableDrug) string {
	desc := strings.Join(strings.Fields(d.Name+" "+d.Strength), " ")
	if form := strings.TrimSpace(d.Form); form != "" {
		desc += " (" + form + ")"
	}
	return "Drug: " + desc
}

// newLine prices one line and splits it. Quantities below one bill as one.
func (r Rates) newLine(lineType, description string, qty int, unitPrice decimal.Decimal, insured bool) InvoiceLine {
	if qty < 1 {
		qty = 1
	}
	total := unitPrice.Mul(decimal.NewFromInt(int64(qty))).Round(2)
	patient, payer := r.Split(total, insured)
	return InvoiceLine{
		LineType:     lineType,
		Description:  description,
		Quantity:     qty,
		UnitPrice:    unitPrice,
		LineTotal:    total,
		PatientShare: patient,
		HMOShare:     payer,
	}
}

// BuildLines computes the full line set for a visit: the consultation,
// then one line per drug, then one per lab test.
func BuildLines(v *BillableVisit, r Rates) []InvoiceLine {
	lines := make([]InvoiceLine, 0, 1+len(v.Drugs)+len(v.Labs))
	lines = append(lines, r.newLine(LineConsultation, "Consultation Fee", 1, r.ConsultationFee, v.Insured))
	for _, d := range v.Drugs {
		lines = append(lines, r.newLine(LineDrug, drugDescription(d), d.Quantity, d.UnitPrice, v.Insured))
	}
	for _, l := range v.Labs {
		name := strings.TrimSpace(l.Name)
		lines = append(lines, r.newLine(LineLab, "Lab: "+name, 1, r.LabFee(name), v.Insured))
	}
	return numberLines(lines)
}

// BuildManualLines prices caller supplied charges for a standalone invoice.
func BuildManualLines(items []LineInput, insured bool, r Rates) ([]InvoiceLine, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: at least one line is required", ErrValidation)
	}
	lines := make([]InvoiceLine, 0, len(items))
	for i, it := range items {
		if it.UnitPrice.IsNegative() {
			return nil, fmt.Errorf("%w: line %d: unit_price must not be negative", ErrValidation, i+1)
		}
		if strings.TrimSpace(it.Description) == "" {
			return nil, fmt.Errorf("%w: line %d: description is required", ErrValidation, i+1)
		}
		lines = append(lines, r.newLine(it.LineType, strings.TrimSpace(it.Description), it.Quantity, it.UnitPrice, insured))
	}
	return numberLines(lines), nil
}

func numberLines(lines []InvoiceLine) []InvoiceLine {
	for i := range lines {
		lines[i].Position = i + 1
	}
	return lines
}

// applyLines sets the invoice totals from its lines.
func applyLines(inv *Invoice, lines []InvoiceLine) {
	total, patient, payer := decimal.Zero, decimal.Zero, decimal.Zero
	for _, l := range lines {
		total = total.Add(l.LineTotal)
		patient = patient.Add(l.PatientShare)
		payer = payer.Add(l.HMOShare)
	}
	inv.TotalAmount = total
	inv.PatientAmount = patient
	inv.HMOAmount = payer
	inv.Lines = lines
}

// applyPaid sets amount paid, balance and status. A zero-total invoice with
// nothing paid stays UNPAID.
func applyPaid(inv *Invoice, paid decimal.Decimal) {
	inv.AmountPaid = paid.Round(2)
	inv.Balance = inv.PatientAmount.Sub(inv.AmountPaid).Round(2)
	switch {
	case inv.TotalAmount.IsZero() && inv.AmountPaid.IsZero():
		inv.Status = StatusUnpaid
	case !inv.Balance.IsPositive():
		inv.Status = StatusPaid
	case inv.AmountPaid.IsPositive():
		inv.Status = StatusPartial
	default:
		inv.Status = StatusUnpaid
	}
}
