package server

import "html/template"

type pageData struct {
	Phase      string
	Title      string
	Message    string
	Redirect   string
	Error      string
	ChooseRole bool
	CSRFToken  string
	RolePath   string
}

// outcomePage renders the callback result. When a role is still needed it
// carries the role form; the csrf_token hidden field prevents cross-site
// submission.
var outcomePage = template.Must(template.New("outcome").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>
  *, *::before, *::after { box-sizing: border-box; margin: 0; padding: 0; }
  body {
    font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, Helvetica, Arial, sans-serif;
    background: #f5f5f5;
    color: #1a1a1a;
    display: flex;
    align-items: center;
    justify-content: center;
    min-height: 100vh;
  }
  .card {
    background: #fff;
    border: 1px solid #e0e0e0;
    border-radius: 8px;
    padding: 2.5rem 2rem;
    width: 100%;
    max-width: 380px;
    box-shadow: 0 1px 3px rgba(0,0,0,0.06);
  }
  .card h1 { font-size: 1.25rem; font-weight: 600; margin-bottom: 0.25rem; }
  .card p.sub { font-size: 0.85rem; color: #666; margin-bottom: 1.5rem; }
  .card p.next { font-size: 0.85rem; word-break: break-all; }
  .error {
    background: #fef2f2;
    color: #991b1b;
    border: 1px solid #fecaca;
    border-radius: 6px;
    padding: 0.6rem 0.75rem;
    font-size: 0.85rem;
    margin-bottom: 1rem;
  }
  .roles { display: flex; gap: 0.5rem; }
  button {
    flex: 1;
    padding: 0.6rem;
    background: #1a1a1a;
    color: #fff;
    border: none;
    border-radius: 6px;
    font-size: 0.9rem;
    font-weight: 500;
    cursor: pointer;
  }
  button:hover { background: #333; }
</style>
</head>
<body>
<div class="card" data-phase="{{.Phase}}">
  <h1>{{.Title}}</h1>
  <p class="sub">{{.Message}}</p>
  {{if .Error}}<div class="error">{{.Error}}</div>{{end}}
  {{if .ChooseRole}}
  <form method="POST" action="{{.RolePath}}">
    <input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
    <div class="roles">
      <button type="submit" name="role" value="BUYER">I want to buy</button>
      <button type="submit" name="role" value="SELLER">I want to sell</button>
    </div>
  </form>
  {{end}}
  {{if .Redirect}}<p class="next">Next: <code>{{.Redirect}}</code></p>{{end}}
</div>
</body>
</html>`))
