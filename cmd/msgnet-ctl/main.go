package main

import (
    "encoding/json"
    "flag"
    "fmt"
    "io"
    "net/http"
    "os"
    "time"

    "msgnet/pkg/status"
)

func main() {
    addr := flag.String("addr", "127.0.0.1:8780", "status address of a running server")
    conns := flag.Bool("conns", false, "list connections instead of the summary")
    raw := flag.Bool("json", false, "print the raw status document")
    watch := flag.Duration("watch", 0, "repeat every interval, 0 prints once")
    flag.Parse()

    for {
        if err := query(*addr, *conns, *raw); err != nil {
            fatalf("query %s: %v", *addr, err)
        }
        if *watch <= 0 { return }
        time.Sleep(*watch)
        fmt.Println()
    }
}

func query(addr string, conns, raw bool) error {
    c := &http.Client{Timeout: 5 * time.Second}
    resp, err := c.Get("http://" + addr + "/status")
    if err != nil { return err }
    defer func() { _ = resp.Body.Close() }()
    if resp.StatusCode != http.StatusOK {
        return fmt.Errorf("unexpected status %s", resp.Status)
    }
    if raw {
        _, err = io.Copy(os.Stdout, resp.Body)
        return err
    }
    var snap status.Snapshot
    if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil { return err }

    if conns {
        printConns(snap)
        return nil
    }
    printSummary(snap)
    return nil
}

func printSummary(s status.Snapshot) {
    fmt.Printf("App:        %s\n", s.App)
    fmt.Printf("Transport:  %s %s\n", s.Transport, s.Addr)
    fmt.Printf("Uptime:     %s\n", (time.Duration(s.UptimeSec) * time.Second).String())
    fmt.Printf("Conns:      %d\n", len(s.Conns))
    fmt.Printf("Engine:     sent=%d resent=%d acked=%d delivered=%d dup_dropped=%d\n",
        s.Engine.Sent, s.Engine.Resent, s.Engine.Acked, s.Engine.Delivered, s.Engine.DupDropped)
    fmt.Printf("Dispatch:   dispatched=%d no_handler=%d failed=%d panics=%d\n",
        s.Dispatch.Dispatched, s.Dispatch.NoHandler, s.Dispatch.Failed, s.Dispatch.Panics)
}

func printConns(s status.Snapshot) {
    if len(s.Conns) == 0 {
        fmt.Println("no connections")
        return
    }
    fmt.Printf("%-6s %-22s %-16s %-13s %8s %8s\n", "ID", "REMOTE", "NAME", "STATE", "MSGS_IN", "MSGS_OUT")
    for _, c := range s.Conns {
        fmt.Printf("%-6d %-22s %-16s %-13s %8d %8d\n",
            c.ID, c.Remote, c.Name, c.State.String(), c.MsgsIn, c.MsgsOut)
    }
}

func fatalf(format string, a ...any) {
    _, _ = fmt.Fprintf(os.Stderr, format+"\n", a...)
    os.Exit(1)
}
