package web

import (
	"html/template"
	"net/http"

	"github.com/user/abusewatch/internal/daemon"
	"github.com/user/abusewatch/internal/model"
)

var dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>abusewatch</title>
    <style>
        body { background: #0d1117; color: #c9d1d9; font-family: ui-monospace, monospace; margin: 2rem; }
        h1 { color: #58a6ff; }
        .cards { display: flex; gap: 1rem; flex-wrap: wrap; margin-bottom: 2rem; }
        .card { border: 1px solid #30363d; border-radius: 6px; padding: 1rem 1.5rem; min-width: 10rem; }
        .card .value { font-size: 1.8rem; }
        .malicious { color: #f85149; }
        .suspicious { color: #d29922; }
        .safe { color: #3fb950; }
        table { border-collapse: collapse; width: 100%; }
        th, td { border-bottom: 1px solid #30363d; padding: .4rem .8rem; text-align: left; }
        a { color: #58a6ff; }
    </style>
</head>
<body>
    <h1>abusewatch</h1>
    <p>Daemon: {{if .Running}}<span class="safe">running</span>{{else}}<span class="malicious">stopped</span>{{end}}
    {{with .Summary}} &middot; last check {{if .LastCheck}}{{.LastCheck}}{{else}}never{{end}}{{end}}</p>

    {{with .Summary}}
    <div class="cards">
        <div class="card"><div>Hosts checked</div><div class="value">{{.TotalIPs}}</div></div>
        <div class="card"><div>Malicious</div><div class="value malicious">{{.MaliciousCount}}</div></div>
        <div class="card"><div>Suspicious</div><div class="value suspicious">{{.SuspiciousCount}}</div></div>
        <div class="card"><div>Marked safe</div><div class="value safe">{{.MarkedSafeCount}}</div></div>
        <div class="card"><div>Checks today</div><div class="value">{{.Quota.Used}} / {{.Quota.Limit}}</div></div>
    </div>
    {{end}}

    <h2>Recent threats</h2>
    {{if .Threats}}
    <table>
        <tr><th>IP</th><th>Score</th><th>Level</th><th>Country</th><th>Ports</th><th>Last seen</th></tr>
        {{range .Threats}}
        <tr>
            <td><a href="https://www.abuseipdb.com/check/{{.IP}}">{{.IP}}</a></td>
            <td>{{.AbuseScore}}%</td>
            <td class="{{.ThreatLevel}}">{{.ThreatLevel}}</td>
            <td>{{.Country}}</td>
            <td>{{.DestinationPort}}</td>
            <td>{{.LastSeen.Format "2006-01-02 15:04"}}</td>
        </tr>
        {{end}}
    </table>
    {{else}}
    <p>No threats recorded.</p>
    {{end}}

    <p><a href="/api/export?format=csv&amp;download=true">Export CSV</a> &middot; <a href="/metrics">Metrics</a></p>
</body>
</html>`

var dashboardTmpl = template.Must(template.New("dashboard.html").Parse(dashboardHTML))

type dashboardData struct {
	Running bool
	Summary *model.Summary
	Threats []model.ThreatRecord
}

// Dashboard serves the overview page.
func (h *Handlers) Dashboard(w http.ResponseWriter, r *http.Request) {
	data := dashboardData{}
	data.Running, _ = daemon.CheckRunning(h.config.DataDir)

	if res := h.svc.Stats(); res.OK() {
		data.Summary = res.Data.(*model.Summary)
	}
	if res := h.svc.Threats(model.ListOptions{Limit: 25}); res.OK() {
		data.Threats = res.Data.(model.Page[model.ThreatRecord]).Items
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTmpl.Execute(w, data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
