package dispatch

import (
	"strconv"

	"github.com/osteele/liquid"

	"botcast/internal/model"
)

// renderFunc produces the action sent to one recipient.
type renderFunc func(r model.Recipient) (Action, error)

// compile parses every templated field of a once. Parse errors are
// validation errors; render errors only fail the recipient being rendered.
func compile(eng *liquid.Engine, a Action, personalize bool) (renderFunc, error) {
	if !personalize {
		return func(model.Recipient) (Action, error) { return a, nil }, nil
	}

	parse := func(field, src string) (*liquid.Template, error) {
		if src == "" {
			return nil, nil
		}
		tpl, err := eng.ParseString(src)
		if err != nil {
			return nil, model.Invalid(field, "template: "+err.Error())
		}
		return tpl, nil
	}

	switch v := a.(type) {
	case Text:
		tpl, err := parse("text", v.Text)
		if err != nil {
			return nil, err
		}
		return func(r model.Recipient) (Action, error) {
			out, err := render(tpl, v.Text, r)
			return Text{Text: out}, err
		}, nil
	case Pin:
		tpl, err := parse("text", v.Text)
		if err != nil {
			return nil, err
		}
		return func(r model.Recipient) (Action, error) {
			out, err := render(tpl, v.Text, r)
			return Pin{Text: out}, err
		}, nil
	case Photo:
		tpl, err := parse("caption", v.Caption)
		if err != nil {
			return nil, err
		}
		return func(r model.Recipient) (Action, error) {
			out, err := render(tpl, v.Caption, r)
			return Photo{Media: v.Media, Caption: out}, err
		}, nil
	case Video:
		tpl, err := parse("caption", v.Caption)
		if err != nil {
			return nil, err
		}
		return func(r model.Recipient) (Action, error) {
			out, err := render(tpl, v.Caption, r)
			return Video{Media: v.Media, Caption: out}, err
		}, nil
	case Poll:
		tpl, err := parse("question", v.Question)
		if err != nil {
			return nil, err
		}
		return func(r model.Recipient) (Action, error) {
			out, err := render(tpl, v.Question, r)
			p := v
			p.Question = out
			return p, err
		}, nil
	}
	return func(model.Recipient) (Action, error) { return a, nil }, nil
}

func render(tpl *liquid.Template, src string, r model.Recipient) (string, error) {
	if tpl == nil {
		return src, nil
	}
	out, err := tpl.RenderString(bindings(r))
	if err != nil {
		return "", err
	}
	return out, nil
}

func bindings(r model.Recipient) liquid.Bindings {
	return liquid.Bindings{
		"user_id":       strconv.FormatInt(r.UserID, 10),
		"first_name":    r.FirstName,
		"last_name":     r.LastName,
		"username":      r.Username,
		"language_code": r.LanguageCode,
	}
}
