package scan

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/text/encoding/charmap"

	"github.com/tdh8316/rhino/internal/data"
	"github.com/tdh8316/rhino/internal/httpx"
)

func response(status int, body string) *httpx.Response {
	return &httpx.Response{Status: status, FinalStatus: status, Header: http.Header{}, Body: []byte(body)}
}

func TestClassify(t *testing.T) {
	markerSite := data.SiteDefinition{
		ID:       "marker",
		Presence: data.Signal{Codes: []int{200}, Markers: []string{"Profile of"}},
		Absence:  data.Signal{Codes: []int{404}},
	}
	softSite := data.SiteDefinition{
		ID:       "soft",
		Presence: data.Signal{Codes: []int{200}, Markers: []string{"followers"}},
		Absence:  data.Signal{Codes: []int{200}, Markers: []string{"user not found"}},
	}
	statusOnly := data.SiteDefinition{
		ID:       "status",
		Presence: data.Signal{Codes: []int{200}},
	}
	markerAbsence := data.SiteDefinition{
		ID:       "msg",
		Presence: data.Signal{Codes: []int{200}},
		Absence:  data.Signal{Markers: []string{"does not exist"}},
	}

	tests := []struct {
		name string
		sd   data.SiteDefinition
		resp *httpx.Response
		err  error
		want Verdict
	}{
		{"transport error", markerSite, nil, &httpx.TransportError{Kind: httpx.KindTimeout}, VerdictError},
		{"nil response", markerSite, nil, nil, VerdictError},
		{"presence with marker", markerSite, response(200, "<h1>Profile of alice</h1>"), nil, VerdictFound},
		{"marker case and whitespace", markerSite, response(200, "PROFILE\n\t  OF alice"), nil, VerdictFound},
		{"presence without marker", markerSite, response(200, "<h1>Welcome</h1>"), nil, VerdictUnsure},
		{"absence status ignores body", markerSite, response(404, "Profile of alice"), nil, VerdictNotFound},
		{"other status", markerSite, response(500, "Profile of alice"), nil, VerdictNotFound},
		{"soft 404 absence marker", softSite, response(200, "Sorry, user not found. 10 followers"), nil, VerdictNotFound},
		{"soft 404 presence marker", softSite, response(200, "10 followers"), nil, VerdictFound},
		{"soft 404 nothing", softSite, response(200, "hello"), nil, VerdictUnsure},
		{"absence code without marker does not match", softSite, response(404, "user not found"), nil, VerdictNotFound},
		{"status only", statusOnly, response(200, ""), nil, VerdictUnsure},
		{"status only miss", statusOnly, response(404, ""), nil, VerdictNotFound},
		{"marker absence any status", markerAbsence, response(200, "This page does not exist"), nil, VerdictNotFound},
		{"marker absence missing", markerAbsence, response(200, "hi"), nil, VerdictUnsure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.sd, tt.resp, tt.err))
		})
	}
}

func TestClassifyAbsenceWinsOverPresence(t *testing.T) {
	sd := data.SiteDefinition{
		Presence: data.Signal{Codes: []int{200}, Markers: []string{"alice"}},
		Absence:  data.Signal{Codes: []int{200}, Markers: []string{"alice"}},
	}
	assert.Equal(t, VerdictNotFound, Classify(sd, response(200, "alice"), nil))
}

func TestDecodeBody(t *testing.T) {
	win1251, err := charmap.Windows1251.NewEncoder().String("Профиль пользователя")
	assert.NoError(t, err)

	sd := data.SiteDefinition{
		Encoding: "windows-1251",
		Presence: data.Signal{Codes: []int{200}, Markers: []string{"профиль"}},
	}
	assert.Equal(t, VerdictFound, Classify(sd, response(200, win1251), nil))

	// Sniffed from Content-Type when no encoding is declared.
	sd.Encoding = ""
	resp := response(200, win1251)
	resp.Header.Set("Content-Type", "text/html; charset=windows-1251")
	assert.Equal(t, "Профиль пользователя", DecodeBody("", resp))
	assert.Equal(t, VerdictFound, Classify(sd, resp, nil))

	// Unknown declared encoding is a decode failure: empty body, marker rules fall through.
	sd.Encoding = "klingon-8"
	assert.Equal(t, "", DecodeBody(sd.Encoding, resp))
	assert.Equal(t, VerdictUnsure, Classify(sd, resp, nil))
}
