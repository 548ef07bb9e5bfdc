package contacts

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/matheus3301/chatsync/internal/model"
)

// AddressBook is the device's list of known people, imported once when no
// contacts snapshot exists.
type AddressBook interface {
	Contacts() ([]model.Contact, error)
}

// CSVAddressBook reads "name,phone" rows from a file. A header row whose
// second column is "phone" is skipped. A missing file is an empty book.
type CSVAddressBook struct {
	Path string
}

// Contacts parses the file.
func (b CSVAddressBook) Contacts() ([]model.Contact, error) {
	f, err := os.Open(b.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	var out []model.Contact
	for line := 1; ; line++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Path, err)
		}
		if len(rec) < 2 {
			return nil, fmt.Errorf("%s:%d: want name,phone", b.Path, line)
		}
		name, phone := strings.TrimSpace(rec[0]), strings.TrimSpace(rec[1])
		if line == 1 && strings.EqualFold(phone, "phone") {
			continue
		}
		if phone == "" {
			continue
		}
		out = append(out, model.Contact{Name: name, Phone: phone})
	}
	return out, nil
}
