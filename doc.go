// Package msgbus is a guaranteed-messaging pub/sub client harness.
//
// It provides a transport session with publish/subscribe, a message
// envelope builder with structured (map/stream) payloads, guaranteed-
// delivery consumer flows with client acknowledgement and window-based
// flow control, an event dispatcher for session and flow lifecycle, and
// cache-request and transacted-session extensions.
//
// The package also ships an in-process Broker speaking the same wire
// protocol, so the example programs and tests run end to end without
// external infrastructure.
//
// Basic usage:
//
//	cfg := msgbus.SessionConfig{Host: "tcp://localhost:55555", Username: "demo"}
//	session, err := msgbus.Dial(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer session.Disconnect()
//
//	msg := msgbus.NewMessage()
//	msg.SetDestination(msgbus.Topic("demo/hello"))
//	msg.SetPayload([]byte("hello"))
//	if err := session.Publish(msg); err != nil {
//		log.Fatal(err)
//	}
package msgbus
