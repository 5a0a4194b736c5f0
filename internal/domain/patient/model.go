package patient

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	GenderMale   = "MALE"
	GenderFemale = "FEMALE"
	GenderOther  = "OTHER"
)

var validGenders = map[string]bool{"": true, GenderMale: true, GenderFemale: true, GenderOther: true}

// HMO maps to the hmos table.
type HMO struct {
	ID            uuid.UUID `db:"id" json:"id"`
	Name          string    `db:"name" json:"name"`
	ContactPerson string    `db:"contact_person" json:"contact_person,omitempty"`
	ContactPhone  string    `db:"contact_phone" json:"contact_phone,omitempty"`
	Email         string    `db:"email" json:"email,omitempty"`
	Address       string    `db:"address" json:"address,omitempty"`
	Active        bool      `db:"active" json:"active"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// Patient maps to the patients table.
type Patient struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	HospitalNumber string     `db:"hospital_number" json:"hospital_number"`
	FirstName      string     `db:"first_name" json:"first_name"`
	LastName       string     `db:"last_name" json:"last_name"`
	OtherNames     string     `db:"other_names" json:"other_names,omitempty"`
	Gender         string     `db:"gender" json:"gender,omitempty"`
	DateOfBirth    *time.Time `db:"date_of_birth" json:"date_of_birth,omitempty"`
	Phone          string     `db:"phone" json:"phone,omitempty"`
	Email          string     `db:"email" json:"email,omitempty"`
	Address        string     `db:"address" json:"address,omitempty"`
	IsHMO          bool       `db:"is_hmo" json:"is_hmo"`
	HMOID          *uuid.UUID `db:"hmo_id" json:"hmo_id,omitempty"`
	HMOIDNumber    string     `db:"hmo_id_number" json:"hmo_id_number,omitempty"`
	NextOfKinName  string     `db:"next_of_kin_name" json:"next_of_kin_name,omitempty"`
	NextOfKinPhone string     `db:"next_of_kin_phone" json:"next_of_kin_phone,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`

	// Joined from hmos.
	HMOName string `json:"hmo_name,omitempty"`
}

// FullName is "Last First", the order used on invoices and claim exports.
func (p *Patient) FullName() string {
	return strings.TrimSpace(p.LastName + " " + p.FirstName)
}

func (p *Patient) normalize() {
	p.FirstName = strings.TrimSpace(p.FirstName)
	p.LastName = strings.TrimSpace(p.LastName)
	p.OtherNames = strings.TrimSpace(p.OtherNames)
	p.Gender = strings.ToUpper(strings.TrimSpace(p.Gender))
	p.Phone = strings.TrimSpace(p.Phone)
	p.Email = strings.TrimSpace(p.Email)
	p.HMOIDNumber = strings.TrimSpace(p.HMOIDNumber)
	if !p.IsHMO {
		p.HMOID = nil
		p.HMOIDNumber = ""
	}
}
