// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package authorize

import (
	"encoding/json"
	"html/template"
	"net/http"
	"net/url"
)

// formPostTemplate is the auto-submitting form_post response document. Every
// interpolated value passes through html/template's contextual escaping.
var formPostTemplate = template.Must(template.New("form_post").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Redirecting</title>
</head>
<body>
<p>Redirecting&hellip;</p>
<form id="auth-form" method="post" action="{{.Action}}">
{{- range .Fields}}
<input type="hidden" name="{{.Name}}" value="{{.Value}}">
{{- end}}
<noscript><button type="submit">Continue</button></noscript>
</form>
<script>document.getElementById('auth-form').submit();</script>
</body>
</html>
`))

type formField struct {
	Name  string
	Value string
}

type formPostData struct {
	Action string
	Fields []formField
}

// WriteSuccess renders the authorization response in the requested mode.
func WriteSuccess(w http.ResponseWriter, r *http.Request, s *Success) error {
	params := url.Values{}
	params.Set("code", s.Code)
	if s.State != "" {
		params.Set("state", s.State)
	}
	return writeResponse(w, r, s.RedirectURI, s.ResponseMode, params)
}

// WriteError renders an AuthError: back to the registered redirect_uri when
// safe, as a JSON 400 otherwise.
func WriteError(w http.ResponseWriter, r *http.Request, e *AuthError) error {
	if !e.Redirectable || e.RedirectURI == "" {
		w.Header().Set("Content-Type", "application/json")
		status := http.StatusBadRequest
		if e.Code == CodeServerError {
			status = http.StatusInternalServerError
		}
		w.WriteHeader(status)
		return json.NewEncoder(w).Encode(map[string]string{
			"error":             e.Code,
			"error_description": e.Description,
		})
	}

	params := url.Values{}
	params.Set("error", e.Code)
	if e.Description != "" {
		params.Set("error_description", e.Description)
	}
	if e.State != "" {
		params.Set("state", e.State)
	}
	return writeResponse(w, r, e.RedirectURI, e.ResponseMode, params)
}

func writeResponse(w http.ResponseWriter, r *http.Request, redirectURI, mode string, params url.Values) error {
	switch mode {
	case ModeFormPost:
		data := formPostData{Action: redirectURI}
		for _, name := range []string{"code", "state", "error", "error_description"} {
			if v := params.Get(name); v != "" {
				data.Fields = append(data.Fields, formField{Name: name, Value: v})
			}
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		return formPostTemplate.Execute(w, data)

	case ModeFragment:
		http.Redirect(w, r, redirectURI+"#"+params.Encode(), http.StatusFound)
		return nil

	default:
		target, err := url.Parse(redirectURI)
		if err != nil {
			return err
		}
		q := target.Query()
		for name, values := range params {
			for _, v := range values {
				q.Set(name, v)
			}
		}
		target.RawQuery = q.Encode()
		http.Redirect(w, r, target.String(), http.StatusFound)
		return nil
	}
}
