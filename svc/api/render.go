package api

import (
	"bytes"
	"html/template"
	"net/http"
	"snipbin/pkg/domain"
	"time"

	"github.com/rs/zerolog/hlog"
)

var pasteTmpl = template.Must(template.New("paste").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}} - snipbin</title>
<style>
body{font-family:system-ui,sans-serif;max-width:60rem;margin:2rem auto;padding:0 1rem}
pre{background:#f4f4f4;padding:1rem;overflow-x:auto;white-space:pre-wrap}
.meta{color:#666;font-size:.9rem}
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<p class="meta">Created {{.CreatedAt}}{{if .Expiration}} &middot; expires {{.Expiration}}{{end}}</p>
<pre id="content" data-encrypted="{{.IsEncrypted}}">{{.Content}}</pre>
</body>
</html>
`))

type pasteView struct {
	Title       string
	Content     string
	CreatedAt   string
	Expiration  string
	IsEncrypted string
}

func newPasteView(p *domain.Paste, now time.Time) pasteView {
	v := pasteView{
		Title:       p.Title,
		Content:     p.Content,
		Expiration:  domain.ExpiresIn(p.Expiration, now),
		IsEncrypted: "false",
	}
	if created := domain.ISOTime(p.CreatedAt); created != nil {
		v.CreatedAt = *created
	}
	if p.IsEncrypted {
		v.IsEncrypted = "true"
	}
	return v
}

func renderPaste(w http.ResponseWriter, r *http.Request, p *domain.Paste) {
	var buf bytes.Buffer
	if err := pasteTmpl.Execute(&buf, newPasteView(p, time.Now())); err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("title", p.Title).Msg("template render failed")
		writeErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'; frame-ancestors 'none';")
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}
