/*
Package event is the in-process pub/sub bus the avatar client publishes its
session snapshots on.

The chat orchestrator publishes one event per observable change:

  - avatar.state: the session state after a transition (StateChangedData)
  - chat.messages: the full message list after any change (chat.MessagesChangedData)
  - chat.turn.finished: an assistant turn was finalized (TurnFinishedData)
  - chat.attachments: the pending attachment queue changed
  - permission.requested / permission.resolved: tool approval round trips
  - activity: background work reported by the provider

Direct subscribers receive the typed payload. The same events are mirrored as
JSON onto watermill gochannel topics, one topic per event type, which Stream
exposes as a channel of raw documents; the JSON-lines printer of the CLI reads
from there.

Usage:

	bus := event.NewBus()
	defer bus.Close()

	unsub := bus.Subscribe(event.TurnFinished, func(e event.Event) {
		data := e.Data.(event.TurnFinishedData)
		fmt.Println(data.MessageID, data.Reason)
	})
	defer unsub()
*/
package event
