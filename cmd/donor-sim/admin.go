package main

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"tenantmigration"
	"tenantmigration/donor/donortest"
)

// adminServer scripts the fake set at runtime.
type adminServer struct {
	set     *donortest.FakeSet
	setName string
	logger  zerolog.Logger
}

func (a *adminServer) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealthz)
	mux.HandleFunc("/state", a.handleState)
	mux.HandleFunc("/kill", a.handleKill)
	mux.HandleFunc("/restore", a.handleRestore)
	mux.HandleFunc("/promote", a.handlePromote)
	mux.HandleFunc("/advance", a.handleAdvance)
	mux.HandleFunc("/transactions", a.handleTransactions)
	return mux
}

type stateResponse struct {
	SetName          string                              `json:"setName"`
	ConnectionString string                              `json:"connectionString"`
	Members          []memberResponse                    `json:"members"`
	Latest           tenantmigration.OpTime              `json:"latest"`
	Transactions     []tenantmigration.TransactionRecord `json:"transactions"`
}

type memberResponse struct {
	Host      string            `json:"host"`
	IsPrimary bool              `json:"isPrimary"`
	Down      bool              `json:"down"`
	Tags      map[string]string `json:"tags,omitempty"`
}

func (a *adminServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *adminServer) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := stateResponse{
		SetName:          a.setName,
		ConnectionString: a.set.ConnectionString(),
		Latest:           a.set.Latest(),
		Transactions:     a.set.Transactions(),
	}
	for _, host := range a.set.Hosts() {
		info, ok := a.set.Member(host)
		if !ok {
			continue
		}
		resp.Members = append(resp.Members, memberResponse{
			Host:      info.Host,
			IsPrimary: info.IsPrimary,
			Down:      info.Down,
			Tags:      info.Tags,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (a *adminServer) handleKill(w http.ResponseWriter, r *http.Request) {
	host, ok := a.requireHost(w, r)
	if !ok {
		return
	}
	a.set.Kill(host)
	a.logger.Info().Str("member", host).Msg("member_killed")
	w.WriteHeader(http.StatusNoContent)
}

func (a *adminServer) handleRestore(w http.ResponseWriter, r *http.Request) {
	host, ok := a.requireHost(w, r)
	if !ok {
		return
	}
	a.set.Restore(host)
	a.logger.Info().Str("member", host).Msg("member_restored")
	w.WriteHeader(http.StatusNoContent)
}

func (a *adminServer) handlePromote(w http.ResponseWriter, r *http.Request) {
	host, ok := a.requireHost(w, r)
	if !ok {
		return
	}
	a.set.SetPrimary(host)
	a.logger.Info().Str("member", host).Msg("member_promoted")
	w.WriteHeader(http.StatusNoContent)
}

// handleAdvance moves the set's latest log position. Rewinds are allowed;
// simulating a rollback is sometimes the point.
func (a *adminServer) handleAdvance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var pos tenantmigration.OpTime
	if err := json.NewDecoder(r.Body).Decode(&pos); err != nil {
		http.Error(w, "invalid position", http.StatusBadRequest)
		return
	}
	a.set.SetLatest(pos)
	a.logger.Info().Str("latest", pos.String()).Msg("position_advanced")
	w.WriteHeader(http.StatusNoContent)
}

// handleTransactions replaces the session transaction table wholesale.
func (a *adminServer) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var recs []tenantmigration.TransactionRecord
	if err := json.NewDecoder(r.Body).Decode(&recs); err != nil {
		http.Error(w, "invalid transaction records", http.StatusBadRequest)
		return
	}
	a.set.SetTransactions(recs...)
	a.logger.Info().Int("count", len(recs)).Msg("transactions_seeded")
	w.WriteHeader(http.StatusNoContent)
}

func (a *adminServer) requireHost(w http.ResponseWriter, r *http.Request) (string, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return "", false
	}
	host, ok := a.hostParam(r)
	if !ok {
		http.Error(w, "unknown member host", http.StatusBadRequest)
		return "", false
	}
	return host, true
}
