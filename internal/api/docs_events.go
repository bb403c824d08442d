package api

const eventsDocsHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Event Feed - gmhost</title>
  <style>
    body {
      margin: 0 auto;
      max-width: 880px;
      padding: 24px;
      font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif;
      font-size: 14px;
      line-height: 1.65;
      background: #0d1117;
      color: #c9d1d9;
    }
    code, pre { font-family: ui-monospace, SFMono-Regular, Menlo, monospace; background: #161b22; }
    pre { padding: 12px; border: 1px solid #30363d; border-radius: 6px; overflow-x: auto; }
    table { border-collapse: collapse; width: 100%; }
    td, th { border: 1px solid #30363d; padding: 6px 10px; text-align: left; }
    a { color: #58a6ff; }
  </style>
</head>
<body>
  <p><a href="/docs">&larr; API reference</a></p>
  <h1>Event feed</h1>
  <p>Injection results, script console output and install/update activity are
  published as JSON events. Every event is also appended to the daily JSONL
  journal.</p>

  <h2>Endpoints</h2>
  <table>
    <tr><th>Path</th><th>Transport</th></tr>
    <tr><td><code>GET /api/v1/events</code></td><td>Server-sent events, one <code>event:</code> per type</td></tr>
    <tr><td><code>GET /api/v1/events/ws</code></td><td>WebSocket, one JSON event per text frame</td></tr>
  </table>
  <p>Both accept <code>?types=a,b</code> to receive only the listed types.</p>

  <h2>Types</h2>
  <table>
    <tr><th>Type</th><th>Meaning</th></tr>
    <tr><td><code>injection.success</code></td><td>A script body ran to completion on a page</td></tr>
    <tr><td><code>injection.error</code></td><td>A script body threw or was interrupted</td></tr>
    <tr><td><code>script.log</code></td><td>console and GM_log output from a script</td></tr>
    <tr><td><code>script.installed</code></td><td>Install, reinstall or edit</td></tr>
    <tr><td><code>script.toggled</code></td><td>A script was enabled or disabled</td></tr>
    <tr><td><code>script.removed</code></td><td>Uninstall</td></tr>
    <tr><td><code>update.applied</code></td><td>A newer version replaced the installed one</td></tr>
    <tr><td><code>update.failed</code></td><td>An update check failed for one script</td></tr>
    <tr><td><code>api.bind_fallback</code></td><td>The configured API address was busy and a fallback candidate was used</td></tr>
  </table>

  <h2>Example</h2>
<pre>event: injection.error
data: {"id":"3f0c...","time":"2026-01-02T10:00:00Z","type":"injection.error","tab_id":"A1B2","script_id":"9d1e...","script_name":"Price Watch","phase":"document-end","message":"body","code":"InjectionError","error":"ReferenceError: 'foo' is not defined"}</pre>

<pre>const ws = new WebSocket("ws://127.0.0.1:8190/api/v1/events/ws?types=script.log");
ws.onmessage = (m) =&gt; console.log(JSON.parse(m.data));</pre>
</body>
</html>`
