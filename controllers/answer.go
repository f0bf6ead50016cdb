package controllers

import (
	"bytes"
	"errors"
	"html/template"
	"strings"

	"github.com/gofiber/fiber/v2"

	"marketplace-gateway/models"
	"marketplace-gateway/question"
	"marketplace-gateway/workflow"
)

const answerPages = `
{{define "head"}}<!DOCTYPE html>
<html lang="en"><head><meta charset="utf-8"><meta name="viewport" content="width=device-width, initial-scale=1">
<meta name="robots" content="noindex"><title>{{.Title}}</title></head><body>{{end}}

{{define "invalid"}}{{template "head" .}}
<main id="invalid"><h1>Link unavailable</h1><p>This link is invalid or has expired.</p></main>
</body></html>{{end}}

{{define "form"}}{{template "head" .}}
<main id="review">
<h1>Review answer</h1>
<blockquote id="question">{{.Question}}</blockquote>
{{if .Error}}<p id="error">{{.Error}}</p>{{end}}
<form method="post" action="/answer/{{.Token}}">
<label for="answer">Answer</label>
<textarea id="answer" name="answer" rows="6">{{.Suggestion}}</textarea>
<label for="pin">PIN</label>
<input id="pin" name="pin" type="password" inputmode="numeric" autocomplete="off" required>
<button type="submit" name="action" value="approve">Approve suggestion</button>
<button type="submit" name="action" value="edit">Send edited answer</button>
</form>
</main>
</body></html>{{end}}

{{define "done"}}{{template "head" .}}
<main id="done"><h1>{{.Title}}</h1><p id="outcome">{{.Message}}</p></main>
</body></html>{{end}}
`

var answerTemplates = template.Must(template.New("answer").Parse(answerPages))

type answerPage struct {
	Title      string
	Token      string
	Question   string
	Suggestion string
	Error      string
	Message    string
}

func render(c *fiber.Ctx, status int, name string, page answerPage) error {
	var buf bytes.Buffer
	if err := answerTemplates.ExecuteTemplate(&buf, name, page); err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	c.Set(fiber.HeaderCacheControl, "no-store")
	c.Set("Referrer-Policy", "no-referrer")
	return c.Status(status).Send(buf.Bytes())
}

// renderInvalid is the single response for every failed check on the link.
func renderInvalid(c *fiber.Ctx) error {
	return render(c, fiber.StatusNotFound, "invalid", answerPage{Title: "Link unavailable"})
}

func formPage(token string, q *models.Question, suggestion, errMsg string) answerPage {
	return answerPage{
		Title:      "Review answer",
		Token:      token,
		Question:   q.Text,
		Suggestion: suggestion,
		Error:      errMsg,
	}
}

// AnswerForm shows the approve/edit form behind an approval link.
func (ctl *Controller) AnswerForm(c *fiber.Ctx) error {
	token := c.Params("token")
	v, err := ctl.Tokens.Validate(c.UserContext(), token)
	if err != nil {
		return err
	}
	if !v.Valid || question.Status(v.Question.Status) != question.Reviewing {
		return renderInvalid(c)
	}
	return render(c, fiber.StatusOK, "form", formPage(token, v.Question, v.Question.AISuggestion, ""))
}

// SubmitAnswer takes the decision posted from the form: PIN, then token,
// then a single-use consume, then the send.
func (ctl *Controller) SubmitAnswer(c *fiber.Ctx) error {
	ctx := c.UserContext()
	token := c.Params("token")

	if !ctl.PIN.Check(c.FormValue("pin")) {
		ctl.Logger.Info("approval link rejected", "reason", "pin")
		return renderInvalid(c)
	}
	v, err := ctl.Tokens.Validate(ctx, token)
	if err != nil {
		return err
	}
	if !v.Valid || question.Status(v.Question.Status) != question.Reviewing {
		return renderInvalid(c)
	}

	outcome := models.ApprovalApprove
	answer := ""
	if strings.EqualFold(c.FormValue("action"), "edit") {
		outcome = models.ApprovalEdit
		answer = strings.TrimSpace(c.FormValue("answer"))
		if answer == "" {
			return render(c, fiber.StatusUnprocessableEntity, "form",
				formPage(token, v.Question, v.Question.AISuggestion, "The answer must not be empty."))
		}
	}

	ok, err := ctl.Tokens.Consume(ctx, token, outcome)
	if err != nil {
		return err
	}
	if !ok {
		return renderInvalid(c)
	}

	status, err := ctl.Workflow.Approve(ctx, v.Question.ID, answer, "link")
	switch {
	case errors.Is(err, workflow.ErrNotReviewable), errors.Is(err, workflow.ErrAlreadyDecided), errors.Is(err, workflow.ErrEmptyAnswer):
		return renderInvalid(c)
	case err != nil:
		return err
	}

	page := answerPage{Title: "Answer sent", Message: "The answer was posted."}
	switch status {
	case question.Failed:
		page = answerPage{Title: "Answer approved", Message: "The answer was approved and will be posted shortly."}
	case question.Error:
		page = answerPage{Title: "Answer rejected", Message: "The marketplace rejected the answer."}
	}
	return render(c, fiber.StatusOK, "done", page)
}
