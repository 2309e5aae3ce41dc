package httpserver

import (
	"bytes"
	"html/template"
	"net/http"
)

type dashboardData struct {
	Settings settingsResponse
	Saved    bool
}

const pageStyle = `<style>
body { font-family: system-ui, sans-serif; max-width: 600px; margin: 2rem auto; padding: 1rem; }
h1 { color: #1185fe; }
.field { margin: 1.5rem 0; }
label { display: block; margin-bottom: 0.5rem; font-weight: 500; }
input[type="text"], input[type="password"] { width: 100%; padding: 0.5rem; border: 1px solid #ccc; border-radius: 4px; }
.btn { background: #1185fe; color: white; padding: 0.75rem 1.5rem; border: none; border-radius: 6px; cursor: pointer; }
.status { padding: 1rem; background: #e8f4fd; border-radius: 6px; margin-bottom: 1rem; }
</style>`

var indexPage = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head><title>Bluesky to Readwise</title>` + pageStyle + `</head>
<body>
<h1>📚 Bluesky to Readwise</h1>
<p>Save Bluesky posts and threads to Readwise. Bookmark a post, or send its link to the bot in a direct message.</p>
{{if .}}
<p>Signed in as @{{.Handle}}. <a href="/dashboard">Settings</a></p>
{{else}}
<p><a class="btn" href="/auth/login">Log in with Bluesky</a></p>
{{end}}
</body>
</html>`))

var loginPage = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head><title>Log in - Bluesky to Readwise</title>` + pageStyle + `</head>
<body>
<h1>Log in</h1>
<form action="/auth/login" method="POST">
  <div class="field">
    <label for="handle">Bluesky handle</label>
    <input type="text" id="handle" name="handle" placeholder="alice.bsky.social" required>
  </div>
  <button type="submit" class="btn">Continue</button>
</form>
</body>
</html>`))

var dashboardPage = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html>
<head><title>Settings - Bluesky to Readwise</title>` + pageStyle + `</head>
<body>
<p><a href="/">Home</a> |
<form action="/auth/logout" method="POST" style="display: inline;"><button type="submit">Log out</button></form></p>
<h1>⚙️ Settings</h1>
{{if .Saved}}<div class="status">Settings saved.</div>{{end}}
<div class="status">
  <strong>@{{.Settings.Handle}}</strong><br>
  {{if .Settings.ReadwiseTokenSet}}Readwise connected.{{else}}Add your Readwise token to start saving.{{end}}
</div>
<form action="/api/settings" method="POST">
  <div class="field">
    <label for="readwise_token">Readwise access token</label>
    <input type="password" id="readwise_token" name="readwise_token" placeholder="Get one at readwise.io/access_token" required>
  </div>
  <div class="field">
    <label><input type="checkbox" name="bookmark_sync"{{if .Settings.BookmarkSync}} checked{{end}}> Save bookmarked posts automatically</label>
  </div>
  <div class="field">
    <label><input type="checkbox" name="extract_links"{{if .Settings.ExtractLinks}} checked{{end}}> Also save links found in posts to Reader</label>
  </div>
  <button type="submit" class="btn">Save settings</button>
</form>
</body>
</html>`))

func renderPage(w http.ResponseWriter, status int, page *template.Template, data any) {
	var buf bytes.Buffer
	if err := page.Execute(&buf, data); err != nil {
		http.Error(w, "failed to render page", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	buf.WriteTo(w)
}
