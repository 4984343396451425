package xid

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// New returns a time-ordered identifier such as "med_0190f3c2-...".
func New(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return prefix + "_" + id.String()
}

// TicketNumber builds a human-readable sale ticket from the commit time plus
// a random suffix. Uniqueness is enforced by the store, callers retry on collision.
func TicketNumber(at time.Time) string {
	return fmt.Sprintf("T%s-%04d", at.UTC().Format("20060102-150405"), randomInt(10000))
}

// ProformaReference returns a quote reference like PRO-20261018-3F9A1C.
func ProformaReference(at time.Time) string {
	id := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return fmt.Sprintf("PRO-%s-%s", at.UTC().Format("20060102"), id[:6])
}

func PrescriptionNumber(at time.Time, seq int) string {
	return fmt.Sprintf("ORD-%s-%04d", at.UTC().Format("20060102"), seq)
}

// PatientCode is the first three letters of the last and first names followed
// by a three digit sequence. Accented letters are kept, other runes are
// dropped, and short names are padded with X.
func PatientCode(lastName string, firstName string, seq int) string {
	return namePart(lastName) + namePart(firstName) + fmt.Sprintf("%03d", seq%1000)
}

func namePart(name string) string {
	part := make([]rune, 0, 3)
	for _, r := range strings.ToUpper(name) {
		if len(part) == 3 {
			break
		}
		if unicode.IsLetter(r) {
			part = append(part, r)
		}
	}
	for len(part) < 3 {
		part = append(part, 'X')
	}
	return string(part)
}

func randomInt(limit int64) int64 {
	n, err := rand.Int(rand.Reader, big.NewInt(limit))
	if err != nil {
		return time.Now().UnixNano() % limit
	}
	return n.Int64()
}
