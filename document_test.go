package tenantmigration

import (
	"testing"

	"github.com/google/uuid"
)

func validDocument() StateDocument {
	return NewStateDocument("tenant-a", "donorSet/donor0:27017,donor1:27017", ReadPreference{Mode: PrimaryOnly})
}

func TestNewStateDocumentAssignsKey(t *testing.T) {
	doc := validDocument()
	if doc.ID == uuid.Nil {
		t.Fatal("expected a migration id")
	}
	if doc.Terminal() {
		t.Fatal("expected fresh document to be non-terminal")
	}
	if doc.HasStartPositions() {
		t.Fatal("expected fresh document to have no start positions")
	}
	if err := doc.Validate(); err != nil {
		t.Fatalf("expected valid document, got %v", err)
	}
}

func TestStateDocumentValidateMissingFields(t *testing.T) {
	doc := validDocument()
	doc.ID = uuid.Nil
	if err := doc.Validate(); err == nil {
		t.Fatal("expected error for missing id")
	}

	doc = validDocument()
	doc.TenantID = ""
	if err := doc.Validate(); err == nil {
		t.Fatal("expected error for missing tenant")
	}

	doc = validDocument()
	doc.DonorAddress = ""
	if err := doc.Validate(); err == nil {
		t.Fatal("expected error for missing donor address")
	}

	doc = validDocument()
	doc.ReadPreference.Mode = "whatever"
	if err := doc.Validate(); err == nil {
		t.Fatal("expected error for bad read preference")
	}
}

func TestStateDocumentValidatePositionPair(t *testing.T) {
	fetch := NewOpTime(3, 1, 1)
	apply := NewOpTime(5, 1, 1)

	doc := validDocument()
	doc.StartFetchingPosition = &fetch
	if err := doc.Validate(); err == nil {
		t.Fatal("expected error for lone fetching position")
	}

	doc = validDocument()
	doc.StartFetchingPosition = &apply
	doc.StartApplyingPosition = &fetch
	if err := doc.Validate(); err == nil {
		t.Fatal("expected error for fetching after applying")
	}

	doc = validDocument()
	doc.StartFetchingPosition = &fetch
	doc.StartApplyingPosition = &apply
	if err := doc.Validate(); err != nil {
		t.Fatalf("expected ordered pair to validate, got %v", err)
	}
	if !doc.HasStartPositions() {
		t.Fatal("expected HasStartPositions")
	}
}

func TestStateDocumentTerminal(t *testing.T) {
	doc := validDocument()
	doc.TerminalStatus = CodeCompleted
	if !doc.Terminal() {
		t.Fatal("expected terminal document")
	}
}
