package notification

import (
	"fmt"
	"html"
	"strings"

	"github.com/drfirst/go-rxrequest/internal/domain/prescription"
)

// DefaultPickupRetentionDays is how long the clinic holds a ready
// prescription for pickup.
const DefaultPickupRetentionDays = 30

const reasonNotSpecified = "not specified"

// Message is a composed notification, rendered for email and push.
type Message struct {
	Subject   string
	Text      string
	HTML      string
	PushTitle string
	PushBody  string
	URL       string
}

// Composer renders notices into messages.
type Composer struct {
	ClinicName          string
	BaseURL             string
	PickupRetentionDays int
}

type content struct {
	subject string
	lines   []string
}

type template func(c *Composer, p *prescription.Prescription) content

// statusTemplates is keyed by the status the prescription moved to. A status
// without an entry (requested) produces no message.
var statusTemplates = map[prescription.Status]template{
	prescription.StatusUnderReview: underReviewTemplate,
	prescription.StatusApproved:    approvedTemplate,
	prescription.StatusRejected:    rejectedTemplate,
	prescription.StatusReady:       readyTemplate,
	prescription.StatusSent:        sentTemplate,
}

// Compose returns the message for n. ok is false when the notice has
// nothing to tell the patient.
func (c *Composer) Compose(n prescription.Notice) (msg Message, ok bool) {
	p := &n.Prescription

	var tmpl template
	switch n.Kind {
	case prescription.NoticeConfirmation:
		tmpl = confirmationTemplate
	case prescription.NoticeStatusUpdate:
		tmpl, ok = statusTemplates[p.Status]
		if !ok {
			return Message{}, false
		}
	default:
		return Message{}, false
	}

	body := tmpl(c, p)
	url := c.link(p.ID)
	return Message{
		Subject:   body.subject,
		Text:      c.renderText(p, body, url),
		HTML:      c.renderHTML(p, body, url),
		PushTitle: body.subject,
		PushBody:  body.lines[0],
		URL:       url,
	}, true
}

func confirmationTemplate(c *Composer, p *prescription.Prescription) content {
	return content{
		subject: "Prescription request received",
		lines: []string{
			fmt.Sprintf("We received your request for %s (%s prescription).", medication(p), p.PrescriptionType),
			"Our team will review it and you will be notified at every step.",
		},
	}
}

func underReviewTemplate(c *Composer, p *prescription.Prescription) content {
	return content{
		subject: "Your prescription is under review",
		lines: []string{
			fmt.Sprintf("Your request for %s is being reviewed by our team.", medication(p)),
		},
	}
}

func approvedTemplate(c *Composer, p *prescription.Prescription) content {
	next := fmt.Sprintf("We will let you know as soon as it is ready for pickup at %s.", c.clinic())
	if p.DeliveryMethod == prescription.DeliveryEmail {
		next = fmt.Sprintf("Once issued it will be sent to %s.", p.PatientEmail)
	}
	return content{
		subject: "Your prescription was approved",
		lines: []string{
			fmt.Sprintf("Your request for %s has been approved.", medication(p)),
			next,
		},
	}
}

func rejectedTemplate(c *Composer, p *prescription.Prescription) content {
	reason := strings.TrimSpace(p.RejectionReason)
	if reason == "" {
		reason = reasonNotSpecified
	}
	return content{
		subject: "Your prescription request was rejected",
		lines: []string{
			fmt.Sprintf("Your request for %s could not be approved.", medication(p)),
			"Reason: " + reason,
			fmt.Sprintf("Please contact %s if you have any questions.", c.clinic()),
		},
	}
}

func readyTemplate(c *Composer, p *prescription.Prescription) content {
	if p.DeliveryMethod == prescription.DeliveryEmail {
		return content{
			subject: "Your prescription is ready",
			lines: []string{
				fmt.Sprintf("Your prescription for %s is ready and will be emailed to %s shortly.", medication(p), p.PatientEmail),
			},
		}
	}
	return content{
		subject: "Your prescription is ready for pickup",
		lines: []string{
			fmt.Sprintf("Your prescription for %s is ready for pickup at %s.", medication(p), c.clinic()),
			fmt.Sprintf("It will be held for %d days. Please bring an identity document.", c.retentionDays()),
		},
	}
}

func sentTemplate(c *Composer, p *prescription.Prescription) content {
	if p.DeliveryMethod == prescription.DeliveryEmail {
		return content{
			subject: "Your prescription was sent",
			lines: []string{
				fmt.Sprintf("Your prescription for %s was sent to %s.", medication(p), p.PatientEmail),
				"Check your spam folder if it does not arrive within a few minutes.",
			},
		}
	}
	return content{
		subject: "Your prescription was delivered",
		lines: []string{
			fmt.Sprintf("Your prescription for %s was delivered at %s.", medication(p), c.clinic()),
		},
	}
}

func (c *Composer) renderText(p *prescription.Prescription, body content, url string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Hello %s,\n\n", p.PatientName)
	for _, line := range body.lines {
		b.WriteString(line)
		b.WriteString("\n\n")
	}
	if url != "" {
		fmt.Fprintf(&b, "Follow your request at:\n%s\n\n", url)
	}
	b.WriteString(c.clinic())
	b.WriteString("\n")
	return b.String()
}

func (c *Composer) renderHTML(p *prescription.Prescription, body content, url string) string {
	var b strings.Builder
	b.WriteString("<html>\n<body>\n")
	fmt.Fprintf(&b, "<h2>%s</h2>\n", html.EscapeString(body.subject))
	fmt.Fprintf(&b, "<p>Hello %s,</p>\n", html.EscapeString(p.PatientName))
	for _, line := range body.lines {
		fmt.Fprintf(&b, "<p>%s</p>\n", html.EscapeString(line))
	}
	if url != "" {
		fmt.Fprintf(&b, "<p><a href=\"%s\">Follow your request</a></p>\n", html.EscapeString(url))
	}
	fmt.Fprintf(&b, "<p>%s</p>\n", html.EscapeString(c.clinic()))
	b.WriteString("</body>\n</html>\n")
	return b.String()
}

func (c *Composer) link(id string) string {
	if c.BaseURL == "" {
		return ""
	}
	return strings.TrimRight(c.BaseURL, "/") + "/prescriptions/" + id
}

func (c *Composer) clinic() string {
	if c.ClinicName == "" {
		return "the clinic"
	}
	return c.ClinicName
}

func (c *Composer) retentionDays() int {
	if c.PickupRetentionDays <= 0 {
		return DefaultPickupRetentionDays
	}
	return c.PickupRetentionDays
}

func medication(p *prescription.Prescription) string {
	if p.Dosage == "" {
		return p.MedicationName
	}
	return p.MedicationName + " " + p.Dosage
}
