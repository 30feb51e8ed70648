package httpapi

import (
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>relaymail</title>
  <style>
    body { margin: 0; padding: 20px; font-family: "Avenir Next", "Segoe UI", sans-serif; background: #f6f3ec; color: #17262a; }
    main { max-width: 960px; margin: 0 auto; display: grid; gap: 14px; }
    section { background: #fffdf8; border: 1px solid #d9ccb4; border-radius: 14px; padding: 14px; }
    dl { display: grid; grid-template-columns: max-content 1fr; gap: 6px 14px; margin: 0; }
    dt { color: #6d7b7c; }
    table { width: 100%; border-collapse: collapse; font-size: 0.92rem; }
    td, th { text-align: left; padding: 6px; border-bottom: 1px solid #ece3d3; }
    .muted { color: #6d7b7c; }
  </style>
</head>
<body>
<main>
  <section>
    <h1>relaymail</h1>
    <dl id="status"><dt>status</dt><dd class="muted">loading</dd></dl>
  </section>
  <section>
    <h2>Processed messages</h2>
    <table>
      <thead><tr><th>time</th><th>from</th><th>subject</th><th>attachments</th></tr></thead>
      <tbody id="events"><tr><td colspan="4" class="muted">waiting for events</td></tr></tbody>
    </table>
  </section>
</main>
<script>
  const statusEl = document.getElementById("status");
  const eventsEl = document.getElementById("events");
  let seen = 0;

  function cell(text) {
    const td = document.createElement("td");
    td.textContent = text;
    return td;
  }

  async function refreshStatus() {
    try {
      const res = await fetch("/status");
      const body = await res.json();
      statusEl.replaceChildren();
      for (const [key, value] of Object.entries(body)) {
        const dt = document.createElement("dt");
        dt.textContent = key;
        const dd = document.createElement("dd");
        dd.textContent = String(value);
        statusEl.append(dt, dd);
      }
    } catch (err) {
      statusEl.textContent = "status unavailable: " + err;
    }
  }

  function connect() {
    const proto = location.protocol === "https:" ? "wss://" : "ws://";
    const ws = new WebSocket(proto + location.host + "/v1/events");
    ws.onmessage = (msg) => {
      const ev = JSON.parse(msg.data);
      if (seen === 0) eventsEl.replaceChildren();
      seen++;
      const tr = document.createElement("tr");
      tr.append(cell(ev.processedAt), cell(ev.from), cell(ev.subject), cell(ev.downloadedAttachments + "/" + ev.attachments));
      eventsEl.prepend(tr);
      refreshStatus();
    };
    ws.onclose = () => setTimeout(connect, 3000);
  }

  refreshStatus();
  setInterval(refreshStatus, 15000);
  connect();
</script>
</body>
</html>
`

func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(dashboardHTML))
}
