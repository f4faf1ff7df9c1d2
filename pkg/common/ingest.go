package common

// Attachment is a file carried by a record, usually an image or document
// from a chat. Only its OCR text is indexed; the text is either inline or
// fetched from object storage by ObjectKey.
type Attachment struct {
	Name      string `json:"name"`
	OCRText   string `json:"ocr_text,omitempty"`
	ObjectKey string `json:"object_key,omitempty"`
}

// IngestItem is one unit of an ingestion batch.
type IngestItem struct {
	Record      Record       `json:"record"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// IngestStatus is the outcome for one submitted record.
type IngestStatus string

const (
	IngestStored    IngestStatus = "stored"
	IngestDuplicate IngestStatus = "duplicate"
	IngestRejected  IngestStatus = "rejected"
)

// IngestResult reports what happened to the record at Index of a batch.
// Attachment records get their own results with Attachment set.
type IngestResult struct {
	Index      int          `json:"index"`
	Attachment string       `json:"attachment,omitempty"`
	RecordID   RecordID     `json:"record_id,omitempty"`
	Status     IngestStatus `json:"status"`
	Reason     string       `json:"reason,omitempty"`
}
