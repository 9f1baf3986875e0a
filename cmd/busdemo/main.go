// busdemo spins up two bus attachments on the in-process router: a
// service that hosts a session and exposes a chat object, and a client
// that discovers it, joins the session, calls a method, and listens for
// signals.
//
// Run:
//
//	go run ./cmd/busdemo                    # defaults
//	go run ./cmd/busdemo -config demo.toml  # tuning via TOML
//
// Debug endpoints (when debug_addr is configured):
//
//	GET /bus/status    — attachment state and metrics
//	GET /bus/objects   — registered objects
//	GET /bus/sessions  — live sessions
//	GET /debug/vars    — expvar metrics
package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"time"

	alljoyn "github.com/Jaimin19parmar/core-alljoyn"
)

const (
	serviceName = "com.example.chat"
	chatPath    = "/chat"
	chatIface   = "com.example.chat.Room"
	chatPort    = alljoyn.SessionPort(42)
)

// chatService hosts the session and the chat object.
type chatService struct {
	bus *alljoyn.BusAttachment
	obj *alljoyn.BusObject
}

func (s *chatService) AcceptSessionJoiner(port alljoyn.SessionPort, joiner string, opts alljoyn.SessionOpts) bool {
	fmt.Printf("  [service] join request from %s on port %d\n", joiner, port)
	return true
}

func (s *chatService) SessionJoined(port alljoyn.SessionPort, id alljoyn.SessionID, joiner string) {
	fmt.Printf("  [service] %s joined session %d\n", joiner, id)
}

// clientListener watches the session from the client side.
type clientListener struct {
	alljoyn.SessionListenerBase
}

func (clientListener) SessionLost(id alljoyn.SessionID, reason alljoyn.SessionLostReason) {
	fmt.Printf("  [client] session %d lost (reason %d)\n", id, reason)
}

func main() {
	configPath := flag.String("config", "", "path to TOML config")
	flag.Parse()

	alljoyn.InitLogger(slog.LevelWarn)

	var opts []alljoyn.Option
	if *configPath != "" {
		loaded, err := alljoyn.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		opts = loaded
	}

	// Service side.
	service := alljoyn.NewBusAttachment("chat-service", opts...)
	must(service.Start())
	must(service.Connect(""))

	iface, err := service.CreateInterface(chatIface, alljoyn.SecurityOff)
	must(err)
	must(iface.AddMethod("Post", "s", "u"))
	must(iface.AddSignal("MessagePosted", "ss"))
	iface.Activate()

	svc := &chatService{bus: service}
	obj, err := alljoyn.NewBusObject(chatPath, false)
	must(err)
	posted := iface.GetMember("MessagePosted")
	count := uint32(0)
	must(obj.AddInterface(iface, map[string]alljoyn.MethodHandler{
		"Post": func(ctx *alljoyn.MethodContext) {
			args, err := ctx.Args()
			if err != nil {
				ctx.ReplyError("com.example.chat.Error", err.Error())
				return
			}
			text := args[0].(string)
			count++
			fmt.Printf("  [service] post #%d: %q\n", count, text)
			ctx.Reply(count)
			obj.Signal("", ctx.Message.SessionID, posted, ctx.Message.Sender, text)
		},
	}))
	svc.obj = obj
	must(service.RegisterBusObject(obj))

	must(service.RequestName(serviceName))
	_, err = service.BindSessionPort(chatPort, alljoyn.SessionOpts{}, svc)
	must(err)
	must(service.AdvertiseName(serviceName))

	// Client side.
	client := alljoyn.NewBusAttachment("chat-client", opts...)
	must(client.Start())
	must(client.Connect(""))

	clientIface, err := client.CreateInterface(chatIface, alljoyn.SecurityOff)
	must(err)
	must(clientIface.AddMethod("Post", "s", "u"))
	must(clientIface.AddSignal("MessagePosted", "ss"))
	clientIface.Activate()

	receiver := new(int)
	must(client.RegisterSignalHandler(receiver, clientIface.GetMember("MessagePosted"), "",
		func(_ *alljoyn.Member, path string, msg *alljoyn.Message) {
			args, _ := msg.UnmarshalArgs("ss")
			fmt.Printf("  [client] signal from %s: %s said %q\n", path, args[0], args[1])
		}))

	id, _, err := client.JoinSession(serviceName, chatPort, clientListener{})
	must(err)
	fmt.Printf("  [client] joined session %d\n", id)

	reply, err := client.CallMethod(serviceName, chatPath, clientIface.GetMember("Post"),
		5*time.Second, "hello from the client")
	must(err)
	args, _ := reply.UnmarshalArgs("u")
	fmt.Printf("  [client] post accepted, count=%d\n", args[0])

	// Give the broadcast signal a moment to land, then run until
	// interrupted.
	time.Sleep(100 * time.Millisecond)
	fmt.Println("running; ctrl-c to exit")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	<-sig

	must(client.Stop())
	must(client.Join())
	must(service.Stop())
	must(service.Join())
}

func must(err error) {
	if err != nil {
		log.Fatal(err)
	}
}
