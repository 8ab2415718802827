package main

import (
	"html/template"
	"net/http"

	"tenantmigration"
	"tenantmigration/election"
)

var dashboardTemplate = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html>
<head>
<title>tenant migrations</title>
<style>
body { font-family: monospace; margin: 2em; }
table { border-collapse: collapse; margin-top: 1em; }
th, td { border: 1px solid #999; padding: 0.3em 0.8em; text-align: left; }
th { background: #eee; }
.leader { color: #060; }
.follower { color: #666; }
.terminal-completed { color: #060; }
.terminal-failed { color: #a00; }
</style>
</head>
<body>
<h1>tenant migrations</h1>
<p class="{{if .Leader}}leader{{else}}follower{{end}}">
  role: {{if .Leader}}leader (epoch {{.Epoch}}){{else}}follower{{end}}
</p>
<table>
<tr>
  <th>id</th><th>tenant</th><th>donor</th><th>read preference</th>
  <th>fetch from</th><th>apply from</th><th>state</th><th>updated</th>
</tr>
{{range .Migrations}}
<tr>
  <td>{{.ID}}</td>
  <td>{{.TenantID}}</td>
  <td>{{.DonorAddress}}</td>
  <td>{{.ReadPreference}}</td>
  <td>{{.Fetch}}</td>
  <td>{{.Apply}}</td>
  <td class="{{.StateClass}}">{{.State}}</td>
  <td>{{.UpdatedAt}}</td>
</tr>
{{else}}
<tr><td colspan="8">no migrations</td></tr>
{{end}}
</table>
</body>
</html>
`))

type dashboardView struct {
	Leader     bool
	Epoch      int64
	Migrations []dashboardRow
}

type dashboardRow struct {
	ID             string
	TenantID       string
	DonorAddress   string
	ReadPreference string
	Fetch          string
	Apply          string
	State          string
	StateClass     string
	UpdatedAt      string
}

func (s *apiServer) handleUI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	docs, err := s.store.List(r.Context())
	if err != nil {
		http.Error(w, "list migrations", http.StatusInternalServerError)
		return
	}
	live := s.liveStates()
	status := s.runner.Status()

	view := dashboardView{
		Leader: status.Mode == election.ModeLeader,
		Epoch:  status.Epoch,
	}
	for _, doc := range docs {
		row := dashboardRow{
			ID:             doc.ID.String(),
			TenantID:       doc.TenantID,
			DonorAddress:   doc.DonorAddress,
			ReadPreference: doc.ReadPreference.String(),
			UpdatedAt:      formatDocTime(doc.UpdatedAt),
		}
		if doc.StartFetchingPosition != nil {
			row.Fetch = doc.StartFetchingPosition.String()
			row.Apply = doc.StartApplyingPosition.String()
		}
		switch {
		case doc.TerminalStatus == tenantmigration.CodeCompleted:
			row.State = doc.TerminalStatus
			row.StateClass = "terminal-completed"
		case doc.Terminal():
			row.State = doc.TerminalStatus
			row.StateClass = "terminal-failed"
		default:
			row.State = "resumable"
			if snap, ok := live[doc.ID]; ok {
				row.State = string(snap.State)
			}
		}
		view.Migrations = append(view.Migrations, row)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = dashboardTemplate.Execute(w, view)
}
