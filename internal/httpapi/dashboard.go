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
  <title>RelayGraph Workspace Graph</title>
  <style>
    :root {
      --ink: #111827;
      --paper: #f9fafb;
      --card: #ffffff;
      --line: #e5e7eb;
      --muted: #6b7280;
      --danger: #b91c1c;
    }
    body.dark {
      --ink: #f3f4f6;
      --paper: #111827;
      --card: #1f2937;
      --line: #374151;
      --muted: #9ca3af;
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      padding: 20px;
      font-family: "Inter", "Segoe UI", sans-serif;
      color: var(--ink);
      background: var(--paper);
    }
    .shell { max-width: 1100px; margin: 0 auto; display: grid; gap: 12px; }
    .bar, .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 12px;
      padding: 14px;
    }
    .controls { display: flex; flex-wrap: wrap; gap: 8px; align-items: center; }
    input { padding: 6px 8px; border: 1px solid var(--line); border-radius: 6px; min-width: 200px; }
    button { padding: 6px 12px; border-radius: 6px; border: 1px solid var(--line); cursor: pointer; }
    #status.err { color: var(--danger); }
    .stats { display: flex; gap: 18px; color: var(--muted); }
    ul { list-style: none; margin: 0; padding: 0; }
    li { padding: 4px 0; border-bottom: 1px solid var(--line); display: flex; gap: 8px; align-items: center; }
    .dot { width: 10px; height: 10px; border-radius: 50%; display: inline-block; }
    .meta { color: var(--muted); font-size: 0.85em; }
    .mono { font-family: "JetBrains Mono", monospace; font-size: 0.85em; }
  </style>
</head>
<body>
  <div class="shell">
    <div class="bar">
      <h1>Workspace Graph</h1>
      <div class="controls">
        <input id="token" type="password" placeholder="bearer token" />
        <input id="workspace" placeholder="workspace id" />
        <button id="refresh" type="button">Refresh</button>
        <button id="theme" type="button">Dark</button>
        <span id="status"></span>
      </div>
    </div>
    <div class="card stats">
      <span>nodes: <strong id="nodeCount">0</strong></span>
      <span>links: <strong id="linkCount">0</strong></span>
      <span>orphans: <strong id="orphanCount">0</strong></span>
      <span>updated: <strong id="lastUpdated">-</strong></span>
    </div>
    <div class="card"><ul id="nodes"></ul></div>
  </div>
  <script>
    (function () {
      const dom = {
        token: document.getElementById("token"),
        workspace: document.getElementById("workspace"),
        refresh: document.getElementById("refresh"),
        theme: document.getElementById("theme"),
        status: document.getElementById("status"),
        nodes: document.getElementById("nodes"),
        nodeCount: document.getElementById("nodeCount"),
        linkCount: document.getElementById("linkCount"),
        orphanCount: document.getElementById("orphanCount"),
        lastUpdated: document.getElementById("lastUpdated"),
      };
      const store = { dark: false, timer: null };

      function setStatus(message, kind) {
        dom.status.textContent = message;
        dom.status.className = kind || "";
      }

      async function request(path) {
        const resp = await fetch(path, { headers: { "Authorization": "Bearer " + dom.token.value.trim() } });
        const body = await resp.json();
        if (!resp.ok) {
          throw new Error(body.message || ("status " + resp.status));
        }
        return body;
      }

      function render(graph) {
        const titles = {};
        graph.nodes.forEach((node) => { titles[node.id] = node.title; });
        dom.nodes.innerHTML = "";
        graph.nodes.forEach((node) => {
          const li = document.createElement("li");
          const dot = document.createElement("span");
          dot.className = "dot";
          dot.style.background = node.color;
          li.appendChild(dot);
          const title = document.createElement("span");
          title.textContent = node.title;
          title.style.color = node.labelColor;
          li.appendChild(title);
          const meta = document.createElement("span");
          meta.className = "meta";
          const parent = node.parentId ? (titles[node.parentId] || node.parentId) : "root";
          meta.textContent = node.kind + " | parent: " + parent;
          li.appendChild(meta);
          const id = document.createElement("span");
          id.className = "mono meta";
          id.textContent = node.id;
          li.appendChild(id);
          dom.nodes.appendChild(li);
        });
        dom.nodeCount.textContent = String(graph.nodes.length);
        dom.linkCount.textContent = String(graph.links.length);
        dom.orphanCount.textContent = String(graph.nodes.filter((node) => node.orphan).length);
      }

      async function refresh() {
        const workspace = dom.workspace.value.trim();
        if (!workspace) {
          setStatus("enter workspace id", "");
          return;
        }
        setStatus("loading...", "");
        try {
          const theme = store.dark ? "dark" : "light";
          const graph = await request("/v1/workspaces/" + encodeURIComponent(workspace) + "/graph?theme=" + theme);
          render(graph);
          dom.lastUpdated.textContent = new Date().toLocaleTimeString();
          setStatus("ok", "");
          window.localStorage.setItem("relaygraph_dashboard_token", dom.token.value);
          window.localStorage.setItem("relaygraph_dashboard_workspace", workspace);
        } catch (err) {
          setStatus(String(err && err.message ? err.message : err), "err");
        }
      }

      dom.refresh.addEventListener("click", refresh);
      dom.theme.addEventListener("click", function () {
        store.dark = !store.dark;
        document.body.classList.toggle("dark", store.dark);
        dom.theme.textContent = store.dark ? "Light" : "Dark";
        refresh();
      });
      dom.token.value = window.localStorage.getItem("relaygraph_dashboard_token") || "";
      dom.workspace.value = window.localStorage.getItem("relaygraph_dashboard_workspace") || "";
      store.timer = setInterval(refresh, 15000);
      if (dom.token.value) {
        refresh();
      }
    })();
  </script>
</body>
</html>`

// handleDashboard serves a static viewer that polls the styled graph endpoint.
func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
