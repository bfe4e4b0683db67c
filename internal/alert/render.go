package alert

import (
	"fmt"

	"medbot/internal/store"
	"medbot/internal/transport"
	"medbot/pkg/tgui"
)

// Callback actions carried in the inline keyboard. The payload after the
// colon is the entry's idempotency key.
const (
	ActionTaken  = "taken"
	ActionMissed = "missed"
)

// renderAlert builds the reminder message and its two-button acknowledgment
// keyboard. Text layout and labels follow the product's Portuguese UI.
func renderAlert(p store.Patient, m store.Medication, e store.ScheduleEntry) (string, *transport.SendOptions) {
	text := "⏰ " + tgui.B("Hora do seu remédio!").String() + "\n\n" +
		"👤 " + tgui.B(p.Name).String() + "\n" +
		"💊 " + tgui.B(m.Name).String() + "\n" +
		"📌 Dose: " + tgui.Esc(m.Dosage).String() + "\n" +
		"🕒 Horário: " + tgui.Esc(e.ScheduledTime).String()

	kb := tgui.NewInline().Row(
		tgui.Btn("✅ Tomei", fmt.Sprintf("%s:%s", ActionTaken, e.UniqueID)),
		tgui.Btn("❌ Não Tomei", fmt.Sprintf("%s:%s", ActionMissed, e.UniqueID)),
	)

	return text, &transport.SendOptions{
		ParseMode:      "HTML",
		DisablePreview: true,
		ReplyMarkup:    kb.Markup(),
	}
}

// renderAck is the confirmation the original alert is edited into once the
// patient answers.
func renderAck(status store.Status) string {
	label := "Tomado"
	if status == store.StatusMissed {
		label = "Não tomado"
	}
	return "✅ Status registrado: " + label
}
