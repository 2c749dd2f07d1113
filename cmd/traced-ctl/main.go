// Command traced-ctl is a consumer-side smoke-test CLI: it spins up an
// in-process traced App, drives a synthetic producer and consumer
// through EnableTracing/ReadBuffers, and prints what came back. It
// exists for manual testing against a freshly built traced binary
// before wiring up a real transport, the same role cmd/tempo-cli plays
// for Tempo's own querier/compactor internals.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/grafana/traced/abi"
	"github.com/grafana/traced/arbiter"
	"github.com/grafana/traced/cmd/traced/app"
	"github.com/grafana/traced/pkg/tracedpb"
	"github.com/grafana/traced/service"
	"github.com/grafana/traced/tracewriter"
)

var cli struct {
	Smoke SmokeCmd `cmd:"" help:"Run an end-to-end producer/consumer round trip against an in-process service."`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("traced-ctl"),
		kong.Description("Manual smoke-testing CLI for traced."))
	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}

// SmokeCmd implements the one traced-ctl subcommand this tool currently
// offers. More subcommands (query-state, clone, trigger) are natural
// follow-ups once a real transport exists to aim them at.
type SmokeCmd struct {
	Packets  int    `default:"8" help:"Number of synthetic packets to write."`
	Payload  string `default:"hello from traced-ctl" help:"Payload string repeated in every packet."`
	BufferKB uint32 `default:"128" help:"Size of the session's single trace buffer, in KiB."`
}

func (c *SmokeCmd) packet(i int) ([]byte, error) {
	pkt := tracedpb.TracePacket{ForTesting: &tracedpb.ForTesting{Str: []byte(fmt.Sprintf("%s #%d", c.Payload, i))}}
	raw, err := pkt.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshaling packet %d: %w", i, err)
	}
	return raw, nil
}

type smokeProxy struct {
	service.NoopProducerProxy
	writer *tracewriter.TraceWriter
	arb    *arbiter.Arbiter
}

func (p *smokeProxy) Flush(req service.FlushRequestID, _ []service.DataSourceInstanceID, _ service.FlushFlags) {
	p.writer.Flush(uint64(req), nil)
}

// NotifyPagesFreed relays the service's post-commit page-release signal
// back down into this producer's own Arbiter, so a GetNewChunk call
// blocked under PolicyStall (this CLI's default) actually wakes up once
// the SMB has room again, instead of stalling forever.
func (p *smokeProxy) NotifyPagesFreed() {
	if p.arb != nil {
		p.arb.NotifyPagesFree()
	}
}

// NotifyFlushAcked relays the service's per-flush commit ack back down
// into this producer's own TraceWriter, firing whatever onAck callback
// was registered with the Flush call that produced req.
func (p *smokeProxy) NotifyFlushAcked(req service.FlushRequestID) {
	if p.writer != nil {
		p.writer.AckFlush(uint64(req))
	}
}

func (c *SmokeCmd) Run() error {
	ctx := context.Background()

	// Half the packets are written "cold", before the SMB or arbiter
	// exist, exercising the startup-buffering handoff (spec.md §4.2): a
	// real producer process emits trace data from its first instruction,
	// long before its connection to traced is up.
	coldPackets := c.Packets / 2
	startup := arbiter.NewStartupTraceWriter(1 << 20)
	for i := 0; i < coldPackets; i++ {
		raw, err := c.packet(i)
		if err != nil {
			return err
		}
		if !startup.Append(raw) {
			return fmt.Errorf("startup buffer overflowed at packet %d", i)
		}
	}

	a, err := app.New(app.Config{})
	if err != nil {
		return fmt.Errorf("building app: %w", err)
	}
	if err := a.Service.StartAsync(ctx); err != nil {
		return err
	}
	if err := a.Service.AwaitRunning(ctx); err != nil {
		return err
	}
	defer func() {
		a.Service.StopAsync()
		_ = a.Service.AwaitTerminated(ctx)
	}()

	proxy := &smokeProxy{}
	producerEP, err := a.NewProducerEndpoint("traced-ctl", 0, int32(os.Getpid()), proxy)
	if err != nil {
		return fmt.Errorf("registering producer: %w", err)
	}

	region, err := abi.NewRegion(64*1024, 4096)
	if err != nil {
		return fmt.Errorf("allocating shared memory region: %w", err)
	}
	producerEP.BindSharedMemory(region, false)
	producerEP.RegisterDataSource(service.DataSourceDescriptor{Name: "smoke"})

	consumerEP, err := a.NewConsumerEndpoint(0)
	if err != nil {
		return fmt.Errorf("registering consumer: %w", err)
	}

	sessID, err := consumerEP.EnableTracing(&service.TraceConfig{
		Buffers: []service.BufferConfig{{SizeKB: c.BufferKB}},
		DataSources: []service.DataSourceConfigEntry{
			{Config: service.DataSourceConfig{Name: "smoke", TargetBuffer: 0}},
		},
	})
	if err != nil {
		return fmt.Errorf("enabling tracing: %w", err)
	}

	arb := arbiter.New(arbiter.Config{Layout: abi.Layout4Chunks}, region, uint32(producerEP.ID()), producerEP)
	if err := arb.StartAsync(ctx); err != nil {
		return err
	}
	if err := arb.AwaitRunning(ctx); err != nil {
		return err
	}
	defer func() {
		arb.StopAsync()
		_ = arb.AwaitTerminated(ctx)
	}()

	writerID, ok := arb.AllocWriterID()
	if !ok {
		return fmt.Errorf("no writer ids available")
	}
	writer := tracewriter.New(arb, writerID, 1, arbiter.PolicyStall)
	producerEP.RegisterTraceWriter(writerID, 1)
	proxy.writer = writer
	proxy.arb = arb

	// Bind time: replay the cold-start packets into real SMB chunks,
	// then write the remainder directly.
	if err := writer.BindStartupWriter(ctx, startup); err != nil {
		return fmt.Errorf("replaying startup buffer: %w", err)
	}

	for i := coldPackets; i < c.Packets; i++ {
		raw, err := c.packet(i)
		if err != nil {
			return err
		}
		if _, err := writer.NewTracePacket(ctx); err != nil {
			return fmt.Errorf("starting packet %d: %w", i, err)
		}
		if err := writer.AppendBytes(ctx, raw); err != nil {
			return fmt.Errorf("writing packet %d: %w", i, err)
		}
		if err := writer.FinishTracePacket(); err != nil {
			return fmt.Errorf("finishing packet %d: %w", i, err)
		}
	}

	done := make(chan bool, 1)
	consumerEP.Flush(sessID, 0, func(success bool) { done <- success }, service.FlushFlags{})
	if !<-done {
		return fmt.Errorf("flush reported failure")
	}

	if err := consumerEP.DisableTracing(sessID); err != nil {
		return fmt.Errorf("disabling tracing: %w", err)
	}

	count := 0
	err = consumerEP.ReadBuffers(sessID, func(raw []byte) {
		var pkt tracedpb.TracePacket
		if err := pkt.Unmarshal(raw); err != nil || pkt.ForTesting == nil {
			return
		}
		count++
		fmt.Println(string(pkt.ForTesting.Str))
	})
	if err != nil {
		return fmt.Errorf("reading buffers: %w", err)
	}

	fmt.Fprintf(os.Stderr, "wrote %d packets, read back %d\n", c.Packets, count)
	return nil
}
