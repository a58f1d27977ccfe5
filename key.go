package bulkq

import "github.com/google/uuid"

// DeriveKey returns the item key for r. Records with a barcode share the key
// "id:<barcode>"; records without one get a name key made unique by suffix.
// A nil suffix uses a random UUID.
func DeriveKey(r Record, suffix func() string) string {
	if r.Barcode != "" {
		return "id:" + r.Barcode
	}
	if suffix == nil {
		suffix = uuid.NewString
	}
	return "name:" + r.Name + ":" + suffix()
}
