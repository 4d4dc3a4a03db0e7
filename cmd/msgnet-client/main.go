package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"msgnet/pkg/client"
	"msgnet/pkg/config"
	"msgnet/pkg/conntable"
	"msgnet/pkg/msgs"
	"msgnet/pkg/protocol"
	"msgnet/pkg/protocol/codec"
)

func main() {
	kind := flag.String("kind", "udp", "transport kind: udp|tcp|quic|mem|winpipe")
	addr := flag.String("connect", "127.0.0.1:4444", "server address to connect to")
	name := flag.String("name", "msgnet-client", "name presented to the server")
	codecName := flag.String("codec", "cbor", "payload codec: cbor|json|proto")
	text := flag.String("message", "hello msgnet", "chat text to send after connect")
	count := flag.Int("count", 1, "how many chats to send")
	unreliable := flag.Bool("unreliable", false, "send best-effort instead of reliable")
	ping := flag.Duration("ping", 0, "keepalive ping interval, 0 disables")
	timeout := flag.Duration("timeout", 5*time.Second, "connect timeout")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	zap.ReplaceGlobals(logger)
	defer func() { _ = logger.Sync() }()

	reg := protocol.NewTypeRegistry()
	if c := codec.NewRegistry().Lookup(*codecName); c != nil {
		reg.SetCodec(c)
	}
	msgs.Register(reg)

	cfg := config.DefaultClient()
	cfg.Transport = *kind
	cfg.Name = *name
	cfg.ConnectTimeoutMS = int(*timeout / time.Millisecond)
	cfg.PingIntervalMS = int(*ping / time.Millisecond)

	cl, err := client.New(cfg, config.DefaultChannel(), reg, logger)
	if err != nil {
		fatalf("new client: %v", err)
	}

	echoes := make(chan string, *count)
	cl.Handle(msgs.Echo{}.TypeID(), func(_ conntable.ConnID, m protocol.Message) error {
		echoes <- m.(*msgs.Echo).Text
		return nil
	})

	if err := cl.Connect(context.Background(), *addr); err != nil {
		if errors.Is(err, client.ErrConnectRefused) {
			fatalf("connection refused: %v", err)
		}
		fatalf("connect: %v", err)
	}
	fmt.Printf("connected to %s (%s), server conn id %d\n", *addr, cl.ServerName(), cl.ServerConn())

	for i := 0; i < *count; i++ {
		chat := &msgs.Chat{From: *name, Text: *text, SentUnixMs: time.Now().UnixMilli()}
		if err := cl.Send(chat, !*unreliable); err != nil {
			fatalf("send: %v", err)
		}
	}

	if !*unreliable {
		deadline := time.After(10 * time.Second)
		for i := 0; i < *count; i++ {
			select {
			case echo := <-echoes:
				fmt.Println("echo:", echo)
			case <-deadline:
				fatalf("timed out waiting for echoes (%d of %d received)", i, *count)
			}
		}
	} else {
		// best-effort sends promise nothing; give echoes a moment anyway
		time.Sleep(500 * time.Millisecond)
	drain:
		for {
			select {
			case echo := <-echoes:
				fmt.Println("echo:", echo)
			default:
				break drain
			}
		}
	}

	if err := cl.Disconnect(context.Background()); err != nil {
		fatalf("disconnect: %v", err)
	}
}

func fatalf(format string, a ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
