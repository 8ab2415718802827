package main

import (
	"time"

	"github.com/google/uuid"

	"tenantmigration"
	"tenantmigration/recipient"
)

const timeFormat = time.RFC3339Nano

type positionResponse struct {
	Seconds   uint32 `json:"seconds"`
	Increment uint32 `json:"increment"`
	Term      int64  `json:"term"`
}

type migrationResponse struct {
	ID             string                         `json:"id"`
	TenantID       string                         `json:"tenantId"`
	DonorAddress   string                         `json:"donorAddress"`
	ReadPreference tenantmigration.ReadPreference `json:"readPreference"`

	StartFetchingPosition *positionResponse `json:"startFetchingPosition,omitempty"`
	StartApplyingPosition *positionResponse `json:"startApplyingPosition,omitempty"`
	TerminalStatus        string            `json:"terminalStatus,omitempty"`

	WorkflowState string `json:"workflowState,omitempty"`
	Term          int64  `json:"term,omitempty"`

	CreatedAt string `json:"createdAt,omitempty"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

type submitResponse struct {
	ID            string `json:"id"`
	TenantID      string `json:"tenantId"`
	WorkflowState string `json:"workflowState"`
	Term          int64  `json:"term"`
}

type listResponse struct {
	Migrations []migrationResponse `json:"migrations"`
}

type readyResponse struct {
	Leader bool  `json:"leader"`
	Epoch  int64 `json:"epoch,omitempty"`
}

func toMigrationResponse(doc tenantmigration.StateDocument) migrationResponse {
	return migrationResponse{
		ID:                    doc.ID.String(),
		TenantID:              doc.TenantID,
		DonorAddress:          doc.DonorAddress,
		ReadPreference:        doc.ReadPreference,
		StartFetchingPosition: toPositionResponse(doc.StartFetchingPosition),
		StartApplyingPosition: toPositionResponse(doc.StartApplyingPosition),
		TerminalStatus:        doc.TerminalStatus,
		CreatedAt:             formatDocTime(doc.CreatedAt),
		UpdatedAt:             formatDocTime(doc.UpdatedAt),
	}
}

func toListResponse(docs []tenantmigration.StateDocument, live map[uuid.UUID]recipient.Snapshot) listResponse {
	out := listResponse{Migrations: make([]migrationResponse, 0, len(docs))}
	for _, doc := range docs {
		resp := toMigrationResponse(doc)
		if snap, ok := live[doc.ID]; ok {
			resp.WorkflowState = string(snap.State)
			resp.Term = snap.Term
		}
		out.Migrations = append(out.Migrations, resp)
	}
	return out
}

func toSubmitResponse(snap recipient.Snapshot) submitResponse {
	return submitResponse{
		ID:            snap.ID.String(),
		TenantID:      snap.TenantID,
		WorkflowState: string(snap.State),
		Term:          snap.Term,
	}
}

func toPositionResponse(pos *tenantmigration.OpTime) *positionResponse {
	if pos == nil {
		return nil
	}
	return &positionResponse{Seconds: pos.Seconds, Increment: pos.Increment, Term: pos.Term}
}

func formatDocTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(timeFormat)
}
