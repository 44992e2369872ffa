package model

import "time"

// Document is a catalog record for one encrypted blob in object storage.
// Key material and the storage key are never serialized; callers receive View() instead.
type Document struct {
	ID         string `json:"id"`
	OwnerID    string `json:"owner_id"`
	StorageKey string `json:"-"`

	// WrappedKey is the per-document data key sealed by the master key named in KeyID.
	WrappedKey []byte `json:"-"`
	KeyID      string `json:"-"`
	IV         []byte `json:"-"`
	Algorithm  string `json:"-"`

	OriginalName string     `json:"name"`
	MimeType     string     `json:"type"`
	SizeBytes    int64      `json:"size"`
	UploadedAt   time.Time  `json:"uploaded_at"`
	UploadedBy   string     `json:"uploaded_by"`
	Month        string     `json:"month"`
	Year         string     `json:"year"`
	DeletedAt    *time.Time `json:"-"`
}

// DocumentView is the public projection of a Document.
type DocumentView struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	Size       int64     `json:"size"`
	UploadedAt time.Time `json:"uploaded_at"`
	OwnerID    string    `json:"owner_id"`
	Month      string    `json:"month"`
	Year       string    `json:"year"`
}

func (d *Document) View() DocumentView {
	return DocumentView{
		ID:         d.ID,
		Name:       d.OriginalName,
		Type:       d.MimeType,
		Size:       d.SizeBytes,
		UploadedAt: d.UploadedAt,
		OwnerID:    d.OwnerID,
		Month:      d.Month,
		Year:       d.Year,
	}
}

// Filter narrows catalog listings. Empty fields do not filter; set fields combine with AND.
type Filter struct {
	// OwnerID is only honored by admin-wide listings.
	OwnerID string
	Month   string
	Year    string
	// NamePattern is a case-insensitive substring of the original file name.
	NamePattern string
}
