package twilio

import (
	"bytes"
	"encoding/xml"
	"fmt"
)

const (
	recordMaxSeconds  = 120
	recordFinishOnKey = "#"
)

// BuildTwiML wraps the spoken script in a Say verb followed by a Record verb
// capturing the reply: beep, bounded duration, "#" to finish early.
func BuildTwiML(script string) string {
	var escaped bytes.Buffer
	_ = xml.EscapeText(&escaped, []byte(script))

	return fmt.Sprintf(
		`<?xml version="1.0" encoding="UTF-8"?><Response><Say>%s</Say><Record playBeep="true" maxLength="%d" finishOnKey="%s"/></Response>`,
		escaped.String(), recordMaxSeconds, recordFinishOnKey)
}

// BuildCallScript assembles the greeting plus the numbered task list read in
// one batched call per assignee.
func BuildCallScript(assigneeName string, taskNames []string) string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "Hello %s. This is your task reminder. ", assigneeName)
	if len(taskNames) == 1 {
		fmt.Fprintf(&b, "You have one task due: %s. ", taskNames[0])
	} else {
		fmt.Fprintf(&b, "You have %d tasks due. ", len(taskNames))
		for i, name := range taskNames {
			fmt.Fprintf(&b, "Task %d: %s. ", i+1, name)
		}
	}
	b.WriteString("After the beep, please say for each task whether it is done, in progress, or not done. Press pound when finished.")
	return b.String()
}
