package main

import (
	"context"
	"flag"
	"log"
	"math"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	grpcapi "realtime-transcribe-backend/internal/api/grpc"
	"realtime-transcribe-backend/internal/models"
	"realtime-transcribe-backend/internal/service/audio"
)

const sampleRate = 16000

func main() {
	serverAddr := flag.String("server", "localhost:50051", "gRPC server address")
	clientID := flag.String("client", "testclient", "Client ID")
	utterances := flag.Int("utterances", 3, "Number of synthetic utterances to send")
	flag.Parse()

	conn, err := grpc.NewClient(*serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	log.Println("Connected to server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stream, err := grpcapi.OpenStream(ctx, conn, *clientID)
	if err != nil {
		log.Fatalf("failed to create stream: %v", err)
	}

	if err := stream.SendControl(models.ControlMessage{Type: models.TypeStart, SampleRate: sampleRate}); err != nil {
		log.Fatalf("failed to send start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			msg, err := stream.Recv()
			if err != nil {
				log.Printf("stream ended: %v", err)
				return
			}
			log.Printf("Received %s: segmentId=%d text=%q reason=%s", msg.Type, msg.SegmentID, msg.Text, msg.Reason)
			if msg.Type == models.TypeClosed {
				return
			}
		}
	}()

	// Each utterance is a tone burst followed by enough silence to end it.
	for i := 0; i < *utterances; i++ {
		freq := 220 + 110*float64(i)
		for _, chunk := range [][]byte{tone(freq, 600*time.Millisecond), silence(900 * time.Millisecond)} {
			log.Printf("Sending %d bytes", len(chunk))
			if err := stream.SendAudio(chunk); err != nil {
				log.Fatalf("failed to send audio: %v", err)
			}
			time.Sleep(100 * time.Millisecond)
		}
	}

	if err := stream.SendControl(models.ControlMessage{Type: models.TypeStop}); err != nil {
		log.Fatalf("failed to send stop: %v", err)
	}
	<-done
	_ = stream.CloseSend()
}

func tone(freq float64, d time.Duration) []byte {
	pcm := make([]int16, int(sampleRate*d/time.Second))
	for i := range pcm {
		pcm[i] = int16(8000 * math.Sin(2*math.Pi*freq*float64(i)/sampleRate))
	}
	return audio.Int16sToBytes(pcm)
}

func silence(d time.Duration) []byte {
	return make([]byte, 2*int(sampleRate*d/time.Second))
}
