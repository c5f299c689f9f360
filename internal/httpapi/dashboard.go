package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>SessionSync</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --danger: #c2483f;
      --muted: #6f7d7d;
    }

    * { box-sizing: border-box; }

    body {
      margin: 0;
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: linear-gradient(140deg, #fff9ef 0%, #f1f8f7 45%, #fffdf9 100%);
      min-height: 100vh;
      padding: 20px;
    }

    .shell { max-width: 880px; margin: 0 auto; display: grid; gap: 14px; }

    .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 14px;
      padding: 16px;
    }

    h1 { margin: 0; font-size: 1.4rem; letter-spacing: 0.02em; }

    .status {
      display: inline-block;
      padding: 3px 10px;
      border-radius: 999px;
      border: 1px solid var(--line);
      font-size: 0.85rem;
    }
    .status.idle { border-color: var(--accent); color: var(--accent); }
    .status.syncing { color: var(--muted); }
    .status.error, .status.disabled { border-color: var(--danger); color: var(--danger); }

    dl { display: grid; grid-template-columns: max-content 1fr; gap: 4px 16px; margin: 0; }
    dt { color: var(--muted); }
    dd { margin: 0; font-variant-numeric: tabular-nums; }

    button {
      border: 1px solid var(--accent);
      background: var(--accent);
      color: #fff;
      border-radius: 10px;
      padding: 8px 16px;
      font: inherit;
      cursor: pointer;
    }
    button:disabled { opacity: 0.5; cursor: default; }

    #activity {
      margin: 0;
      padding: 0;
      list-style: none;
      max-height: 320px;
      overflow-y: auto;
      font-size: 0.85rem;
    }
    #activity li { padding: 4px 0; border-bottom: 1px dashed var(--line); }
    #activity time { color: var(--muted); margin-right: 8px; }
  </style>
</head>
<body>
  <div class="shell">
    <div class="card">
      <h1>SessionSync <span id="status" class="status">loading</span></h1>
    </div>
    <div class="card">
      <dl>
        <dt>Last sync</dt><dd id="lastSync">-</dd>
        <dt>Tracked files</dt><dd id="tracked">-</dd>
        <dt>Last cycle</dt><dd id="cycle">-</dd>
        <dt>Last error</dt><dd id="lastError">-</dd>
      </dl>
      <p><button id="syncNow">Sync now</button></p>
    </div>
    <div class="card">
      <ul id="activity"></ul>
    </div>
  </div>
  <script>
    const el = (id) => document.getElementById(id);

    async function refresh() {
      const res = await fetch('/v1/status');
      if (!res.ok) return;
      const snap = await res.json();
      const badge = el('status');
      badge.textContent = snap.status;
      badge.className = 'status ' + snap.status;
      el('lastSync').textContent = snap.lastSyncTime && !snap.lastSyncTime.startsWith('0001')
        ? new Date(snap.lastSyncTime).toLocaleString() : 'never';
      el('tracked').textContent = snap.trackedFiles;
      el('cycle').textContent = snap.lastUploads + ' up / ' + snap.lastDownloads + ' down';
      el('lastError').textContent = snap.lastError || 'none';
    }

    el('syncNow').addEventListener('click', async () => {
      el('syncNow').disabled = true;
      try { await fetch('/v1/sync', { method: 'POST' }); } finally {
        el('syncNow').disabled = false;
        refresh();
      }
    });

    function stream() {
      const proto = location.protocol === 'https:' ? 'wss' : 'ws';
      const ws = new WebSocket(proto + '://' + location.host + '/v1/activity/stream');
      ws.onmessage = (msg) => {
        const event = JSON.parse(msg.data);
        const li = document.createElement('li');
        const ts = document.createElement('time');
        ts.textContent = new Date(event.time).toLocaleTimeString();
        li.appendChild(ts);
        li.appendChild(document.createTextNode(event.message));
        const feed = el('activity');
        feed.insertBefore(li, feed.firstChild);
        while (feed.children.length > 200) feed.removeChild(feed.lastChild);
        refresh();
      };
      ws.onclose = () => setTimeout(stream, 2000);
    }

    refresh();
    stream();
    setInterval(refresh, 15000);
  </script>
</body>
</html>
`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, dashboardHTML)
}
