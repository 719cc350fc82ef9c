package notification

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxrequest/internal/domain/prescription"
)

func notice(kind prescription.NoticeKind, status prescription.Status, method prescription.DeliveryMethod) prescription.Notice {
	return prescription.Notice{
		Kind: kind,
		Prescription: prescription.Prescription{
			ID:               "rx-1",
			PatientID:        "pat-1",
			PatientName:      "Maria Souza",
			PatientEmail:     "maria@example.com",
			MedicationName:   "Rivotril",
			Dosage:           "2mg",
			PrescriptionType: prescription.TypeAzul,
			DeliveryMethod:   method,
			Status:           status,
		},
	}
}

func TestCompose_Confirmation(t *testing.T) {
	c := &Composer{ClinicName: "Clínica Saúde", BaseURL: "https://rx.example.com/"}

	msg, ok := c.Compose(notice(prescription.NoticeConfirmation, prescription.StatusRequested, prescription.DeliveryEmail))
	require.True(t, ok)
	assert.Equal(t, "Prescription request received", msg.Subject)
	assert.Contains(t, msg.Text, "Hello Maria Souza")
	assert.Contains(t, msg.Text, "Rivotril 2mg (azul prescription)")
	assert.Equal(t, "https://rx.example.com/prescriptions/rx-1", msg.URL)
	assert.Contains(t, msg.HTML, `<a href="https://rx.example.com/prescriptions/rx-1">`)
	assert.Equal(t, msg.Subject, msg.PushTitle)
}

func TestCompose_ApprovedWordingDependsOnDelivery(t *testing.T) {
	c := &Composer{ClinicName: "Clínica Saúde"}

	email, ok := c.Compose(notice(prescription.NoticeStatusUpdate, prescription.StatusApproved, prescription.DeliveryEmail))
	require.True(t, ok)
	assert.Contains(t, email.Text, "sent to maria@example.com")

	pickup, ok := c.Compose(notice(prescription.NoticeStatusUpdate, prescription.StatusApproved, prescription.DeliveryClinicPickup))
	require.True(t, ok)
	assert.Contains(t, pickup.Text, "ready for pickup at Clínica Saúde")
	assert.NotEqual(t, email.Text, pickup.Text)
}

func TestCompose_ReadyMentionsRetention(t *testing.T) {
	c := &Composer{}

	msg, ok := c.Compose(notice(prescription.NoticeStatusUpdate, prescription.StatusReady, prescription.DeliveryClinicPickup))
	require.True(t, ok)
	assert.Contains(t, msg.Text, "held for 30 days")

	c.PickupRetentionDays = 15
	msg, _ = c.Compose(notice(prescription.NoticeStatusUpdate, prescription.StatusReady, prescription.DeliveryClinicPickup))
	assert.Contains(t, msg.Text, "held for 15 days")
}

func TestCompose_RejectedReason(t *testing.T) {
	c := &Composer{}

	n := notice(prescription.NoticeStatusUpdate, prescription.StatusRejected, prescription.DeliveryEmail)
	msg, ok := c.Compose(n)
	require.True(t, ok)
	assert.Contains(t, msg.Text, "Reason: not specified")

	n.Prescription.RejectionReason = "stock unavailable"
	msg, _ = c.Compose(n)
	assert.Contains(t, msg.Text, "stock unavailable")
	assert.Contains(t, msg.HTML, "stock unavailable")
}

func TestCompose_SentAndDelivered(t *testing.T) {
	c := &Composer{}

	msg, _ := c.Compose(notice(prescription.NoticeStatusUpdate, prescription.StatusSent, prescription.DeliveryEmail))
	assert.Equal(t, "Your prescription was sent", msg.Subject)

	msg, _ = c.Compose(notice(prescription.NoticeStatusUpdate, prescription.StatusSent, prescription.DeliveryClinicPickup))
	assert.Equal(t, "Your prescription was delivered", msg.Subject)
}

func TestCompose_NoTemplate(t *testing.T) {
	c := &Composer{}

	_, ok := c.Compose(notice(prescription.NoticeStatusUpdate, prescription.StatusRequested, prescription.DeliveryEmail))
	assert.False(t, ok)
}

func TestCompose_EscapesHTML(t *testing.T) {
	c := &Composer{}
	n := notice(prescription.NoticeStatusUpdate, prescription.StatusRejected, prescription.DeliveryEmail)
	n.Prescription.RejectionReason = "<script>alert(1)</script>"

	msg, _ := c.Compose(n)
	assert.NotContains(t, msg.HTML, "<script>")
	assert.Contains(t, msg.HTML, "&lt;script&gt;")
}
