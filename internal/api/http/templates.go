package apihttp

const pageTemplates = `
{{define "head"}}<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.}} · torrentgate</title>
<style>
body{font-family:system-ui,sans-serif;margin:2rem auto;max-width:60rem;padding:0 1rem;color:#222}
table{border-collapse:collapse;width:100%}
td,th{border-bottom:1px solid #ddd;padding:.35rem .5rem;text-align:left}
form{margin:.5rem 0}
input[type=text],input[type=url]{width:32rem;max-width:100%}
.muted{color:#777}
.error{color:#a00}
</style>
</head>
<body>
<p><a href="/">torrentgate</a></p>
{{end}}

{{define "foot"}}</body></html>{{end}}

{{define "sessionRows"}}
<table id="sessions">
<thead><tr><th>Name</th><th>Phase</th><th>Progress</th><th>Peers</th><th>Down</th><th>Up</th><th></th></tr></thead>
<tbody>
{{range .}}<tr>
<td><a href="/sessions/{{.InfoHash}}?format=html">{{if .Name}}{{.Name}}{{else}}{{.InfoHash}}{{end}}</a></td>
<td>{{.Phase}}</td>
<td>{{percent .Progress}}</td>
<td>{{.NumPeers}}</td>
<td>{{bytes .DownloadSpeed}}/s</td>
<td>{{bytes .UploadSpeed}}/s</td>
<td><form method="post" action="/sessions/{{.InfoHash}}/remove?format=html"><button>Remove</button></form></td>
</tr>{{else}}<tr><td colspan="7" class="muted">No active torrents.</td></tr>{{end}}
</tbody>
</table>
{{end}}

{{define "index"}}{{template "head" "Home"}}
<h1>Add a torrent</h1>
<form method="post" action="/magnet?format=html">
<input type="text" name="uri" placeholder="magnet:?xt=urn:btih:..." required>
<button>Add magnet</button>
</form>
<form method="post" action="/upload?format=html" enctype="multipart/form-data">
<input type="file" name="torrent" accept=".torrent" required>
<button>Upload .torrent</button>
</form>
<form method="post" action="/torrentfile?format=html">
<input type="url" name="url" placeholder="https://example.org/file.torrent" required>
<button>Fetch .torrent</button>
</form>
<h2>Torrents</h2>
<div id="live">{{template "sessionRows" .Sessions}}</div>
<script>
(function(){
  var proto = location.protocol === "https:" ? "wss://" : "ws://";
  var ws = new WebSocket(proto + location.host + "/ws");
  ws.onmessage = function(ev){
    var msg = JSON.parse(ev.data);
    if (msg.type === "sessions") { location.reload(); }
  };
})();
</script>
{{template "foot"}}{{end}}

{{define "list"}}{{template "head" "Torrents"}}
<h1>Torrents</h1>
{{template "sessionRows" .}}
{{template "foot"}}{{end}}

{{define "status"}}{{template "head" .Name}}
<h1>{{if .Name}}{{.Name}}{{else}}{{.InfoHash}}{{end}}</h1>
<p class="muted">{{.InfoHash}} · {{.Phase}} · {{percent .Progress}} · {{.NumPeers}} peers · {{bytes .Size}}</p>
{{if eq .Phase "pending"}}<p>Metadata is still being fetched. Reload shortly.</p>{{end}}
{{if .Files}}
<table>
<thead><tr><th>File</th><th>Size</th><th>Done</th></tr></thead>
<tbody>
{{range .Files}}<tr><td><a href="{{.StreamURL}}">{{.Path}}</a></td><td>{{bytes .Length}}</td><td>{{percent .Progress}}</td></tr>{{end}}
</tbody>
</table>
{{end}}
{{if .ZipURL}}<p><a href="{{.ZipURL}}">Download completed files as zip</a></p>{{end}}
<form method="post" action="/sessions/{{.InfoHash}}/remove?format=html"><button>Remove</button></form>
{{template "foot"}}{{end}}

{{define "added"}}{{template "head" "Added"}}
{{if .Pending}}
<h1>Torrent added</h1>
<p>{{.Message}}</p>
<p><a href="{{.StatusURL}}">Status of {{.InfoHash}}</a></p>
{{else}}
<h1>{{.Session.Name}}</h1>
<p><a href="{{.StatusURL}}">Open status page</a></p>
{{end}}
{{template "foot"}}{{end}}

{{define "error"}}{{template "head" "Error"}}
<h1 class="error">{{.Status}} {{.Code}}</h1>
<p>{{.Message}}</p>
{{template "foot"}}{{end}}
`
