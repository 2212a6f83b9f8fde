package store

import (
	"context"
	"time"

	"github.com/example/randevu-watch/internal/crypto"
	"github.com/example/randevu-watch/internal/db"
)

type Patient struct {
	ID         int64
	Name       string
	NationalID string
	BirthDate  string // DD.MM.YYYY, encrypted at rest
	Phone      string // encrypted at rest
	CreatedAt  time.Time
}

// Patients stores patient records. Birth date and phone are sealed with
// AES-GCM before they hit the database; the national id stays queryable
// because it is the unique key and the session identity.
type Patients struct {
	db  *db.DB
	box *crypto.AEAD
}

func NewPatients(d *db.DB, box *crypto.AEAD) *Patients {
	return &Patients{db: d, box: box}
}

func (r *Patients) Create(ctx context.Context, p Patient) (Patient, error) {
	birth, err := r.box.EncryptToString(p.BirthDate)
	if err != nil {
		return Patient{}, err
	}
	phone, err := r.box.EncryptToString(p.Phone)
	if err != nil {
		return Patient{}, err
	}

	err = r.db.QueryRow(ctx, `
INSERT INTO patients(name, national_id, birth_date, phone)
VALUES ($1,$2,$3,$4)
RETURNING id, created_at`,
		p.Name, p.NationalID, birth, phone,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return Patient{}, db.WrapNotFound(err)
	}
	return p, nil
}

func (r *Patients) Get(ctx context.Context, id int64) (Patient, error) {
	row := r.db.QueryRow(ctx, `
SELECT id, name, national_id, birth_date, phone, created_at
FROM patients WHERE id=$1`, id)
	return r.scan(row)
}

func (r *Patients) GetByNationalID(ctx context.Context, nationalID string) (Patient, error) {
	row := r.db.QueryRow(ctx, `
SELECT id, name, national_id, birth_date, phone, created_at
FROM patients WHERE national_id=$1`, nationalID)
	return r.scan(row)
}

func (r *Patients) List(ctx context.Context) ([]Patient, error) {
	rows, err := r.db.Query(ctx, `
SELECT id, name, national_id, birth_date, phone, created_at
FROM patients ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Patient
	for rows.Next() {
		p, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *Patients) Update(ctx context.Context, p Patient) error {
	birth, err := r.box.EncryptToString(p.BirthDate)
	if err != nil {
		return err
	}
	phone, err := r.box.EncryptToString(p.Phone)
	if err != nil {
		return err
	}
	return r.db.Exec(ctx, `
UPDATE patients SET name=$2, national_id=$3, birth_date=$4, phone=$5
WHERE id=$1`,
		p.ID, p.Name, p.NationalID, birth, phone)
}

func (r *Patients) Delete(ctx context.Context, id int64) error {
	return r.db.Exec(ctx, `DELETE FROM patients WHERE id=$1`, id)
}

func (r *Patients) scan(row db.Row) (Patient, error) {
	var p Patient
	var birth, phone string
	if err := row.Scan(&p.ID, &p.Name, &p.NationalID, &birth, &phone, &p.CreatedAt); err != nil {
		return Patient{}, db.WrapNotFound(err)
	}
	var err error
	if p.BirthDate, err = r.box.DecryptString(birth); err != nil {
		return Patient{}, err
	}
	if p.Phone, err = r.box.DecryptString(phone); err != nil {
		return Patient{}, err
	}
	return p, nil
}
