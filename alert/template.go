/*
Copyright © 2024 the BurnCoord authors.
This file is part of BurnCoord.

BurnCoord is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

BurnCoord is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with BurnCoord.  If not, see <http://www.gnu.org/licenses/>.
*/

package alert

import (
	"bytes"
	"strings"
	"text/template"

	"github.com/spatialmodel/burncoord"
)

// A message template renders an alert's subject and body from its
// variables. Missing variables are an error, not a blank.
type messageTemplate struct {
	subject *template.Template
	body    *template.Template
}

// templateKey selects a template by alert type and BCP 47 language
// code. The empty language is the default.
type templateKey struct {
	typ  burncoord.AlertType
	lang string
}

// defaultTemplates are the built-in message templates. AddTemplate
// installs additional languages.
var defaultTemplates = map[templateKey]struct{ subject, body string }{
	{burncoord.AlertApproval, ""}: {
		"Burn request {{.requestId}} approved",
		"Your {{.crop}} burn on {{.date}} is approved with priority {{.priority}}. " +
			"Window {{.window}}.",
	},
	{burncoord.AlertSchedule, ""}: {
		"Burn request {{.requestId}} rescheduled",
		"Your burn has been moved to {{.date}} {{.window}}. Reason: {{.reason}}.",
	},
	{burncoord.AlertConflict, ""}: {
		"Smoke conflict detected for burn {{.requestId}}",
		"Your burn on {{.date}} conflicts with a nearby burn " +
			"(combined PM2.5 {{.pm25}} µg/m³, severity {{.severity}}). " +
			"The schedule will be re-optimized.",
	},
	{burncoord.AlertSmoke, ""}: {
		"Smoke warning near {{.location}}",
		"Elevated smoke levels ({{.pm25}} µg/m³) are expected near {{.location}} on {{.date}}.",
	},
	{burncoord.AlertEmergency, ""}: {
		"EMERGENCY: all burns suspended near {{.location}}",
		"All scheduled burns within {{.radiusKm}} km of {{.location}} are cancelled " +
			"effective immediately. Reply CONFIRM to acknowledge.",
	},
	{burncoord.AlertCancelled, ""}: {
		"Burn request {{.requestId}} cancelled",
		"Your burn scheduled for {{.date}} has been cancelled. Reason: {{.reason}}.",
	},
	{burncoord.AlertWeatherDef, ""}: {
		"Burn request {{.requestId}} deferred",
		"Weather on {{.date}} is unsuitable for burning ({{.reason}}). " +
			"Your request will be rescheduled automatically.",
	},
	{burncoord.AlertEmergency, "es"}: {
		"EMERGENCIA: quemas suspendidas cerca de {{.location}}",
		"Todas las quemas programadas dentro de {{.radiusKm}} km de {{.location}} " +
			"quedan canceladas de inmediato. Responda CONFIRM para confirmar.",
	},
}

// templateSet holds parsed templates keyed by type and language.
type templateSet struct {
	templates map[templateKey]messageTemplate
}

func newTemplateSet() (*templateSet, error) {
	s := &templateSet{templates: map[templateKey]messageTemplate{}}
	for key, raw := range defaultTemplates {
		if err := s.add(key, raw.subject, raw.body); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *templateSet) add(key templateKey, subject, body string) error {
	parse := func(name, text string) (*template.Template, error) {
		t, err := template.New(name).Option("missingkey=error").Parse(text)
		if err != nil {
			return nil, burncoord.WrapErr(burncoord.KindInternal, err,
				"alert: parsing %s template for %s", name, key.typ)
		}
		return t, nil
	}
	subj, err := parse("subject", subject)
	if err != nil {
		return err
	}
	bodyT, err := parse("body", body)
	if err != nil {
		return err
	}
	s.templates[key] = messageTemplate{subject: subj, body: bodyT}
	return nil
}

// render produces the subject and body for an alert type in the
// requested language, falling back to the default language when no
// translation exists. Unresolved variables fail with VALIDATION.
func (s *templateSet) render(typ burncoord.AlertType, lang string, vars map[string]string) (subject, body string, err error) {
	t, ok := s.templates[templateKey{typ, lang}]
	if !ok && lang != "" {
		// Fall back on the primary subtag, then the default.
		if i := strings.Index(lang, "-"); i > 0 {
			t, ok = s.templates[templateKey{typ, lang[:i]}]
		}
		if !ok {
			t, ok = s.templates[templateKey{typ, ""}]
		}
	}
	if !ok {
		return "", "", burncoord.Errorf(burncoord.KindValidation,
			"alert: no template for alert type %q", typ)
	}

	exec := func(t *template.Template) (string, error) {
		var buf bytes.Buffer
		if err := t.Execute(&buf, vars); err != nil {
			return "", burncoord.WrapErr(burncoord.KindValidation, err,
				"alert: missing template variable for %s", typ)
		}
		return buf.String(), nil
	}
	if subject, err = exec(t.subject); err != nil {
		return "", "", err
	}
	if body, err = exec(t.body); err != nil {
		return "", "", err
	}
	return subject, body, nil
}
