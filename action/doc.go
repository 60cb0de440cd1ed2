// Package action holds the actions a matched rule can trigger and the dispatcher that
// runs them.
//
// Actions are looked up by name in a Registry built once at startup:
//
//	log, log.info, log.warn, log.error   write one line to the cell's event log
//	exec                                 run a box service script on the script host
//	relay                                run the cell's relay system script
//	relay.event                          post the event to another cell's __event endpoint
//	relay.data                           copy an OData entity to another collection
//
// HTTP actions never return errors. A transport failure becomes a result event whose Info
// is "404"; otherwise Info is the response status code. The Dispatcher writes every result
// event to the cell's log at INFO and never feeds it back into rule matching, so the only
// way a chain grows is through the hop counter carried on relayed events.
package action
