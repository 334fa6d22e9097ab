package main

import (
	"encoding/binary"
	"flag"
	"io"
	"log"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"realtime-transcribe-backend/internal/models"
)

// WAV header is 44 bytes for standard PCM files
const wavHeaderSize = 44

// 100ms chunks, sent in real time
const chunkInterval = 100 * time.Millisecond

func main() {
	audioFile := flag.String("audio", "testdata/sample-16khz.wav", "Path to a 16-bit PCM WAV file")
	serverURL := flag.String("server", "ws://localhost:8080/ws/transcribe", "WebSocket endpoint")
	clientID := flag.String("client", "new", "Client ID")
	language := flag.String("language", "", "Source language hint")
	target := flag.String("target", "", "Translation target language")
	flag.Parse()

	f, err := os.Open(*audioFile)
	if err != nil {
		log.Fatalf("Failed to open audio file: %v", err)
	}
	defer f.Close()

	header := make([]byte, wavHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		log.Fatalf("Failed to read WAV header: %v", err)
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		log.Fatal("Not a valid WAV file")
	}

	audioFormat := binary.LittleEndian.Uint16(header[20:22])
	numChannels := binary.LittleEndian.Uint16(header[22:24])
	sampleRate := binary.LittleEndian.Uint32(header[24:28])
	bitsPerSample := binary.LittleEndian.Uint16(header[34:36])

	log.Printf("WAV file: format=%d channels=%d sampleRate=%d bitsPerSample=%d",
		audioFormat, numChannels, sampleRate, bitsPerSample)

	if audioFormat != 1 || bitsPerSample != 16 {
		log.Fatal("Only 16-bit PCM is supported")
	}

	conn, _, err := websocket.DefaultDialer.Dial(*serverURL+"/"+*clientID, nil)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()
	log.Printf("Connected to %s", *serverURL)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			var msg models.ServerMessage
			if err := conn.ReadJSON(&msg); err != nil {
				log.Printf("Connection ended: %v", err)
				return
			}
			printMessage(msg)
			if msg.Type == models.TypeClosed {
				return
			}
		}
	}()

	start := models.ControlMessage{
		Type:           models.TypeStart,
		SampleRate:     int(sampleRate),
		Channels:       int(numChannels),
		Encoding:       models.EncodingPCM16LE,
		Language:       *language,
		TargetLanguage: *target,
	}
	if err := conn.WriteJSON(start); err != nil {
		log.Fatalf("Failed to send start: %v", err)
	}

	chunkSize := int(sampleRate) * int(numChannels) * 2 * int(chunkInterval/time.Millisecond) / 1000
	chunk := make([]byte, chunkSize)
	var totalBytes int64
	var chunkNum int
	startTime := time.Now()

	for {
		n, err := io.ReadFull(f, chunk)
		if n > 0 {
			if werr := conn.WriteMessage(websocket.BinaryMessage, chunk[:n]); werr != nil {
				log.Fatalf("Failed to send audio: %v", werr)
			}
			chunkNum++
			totalBytes += int64(n)
			if chunkNum%10 == 0 {
				log.Printf("Sent chunk %d (%d bytes total)", chunkNum, totalBytes)
			}
			time.Sleep(chunkInterval)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			log.Fatalf("Failed to read audio: %v", err)
		}
	}

	log.Printf("Finished streaming: %d chunks, %d bytes in %v", chunkNum, totalBytes, time.Since(startTime))
	log.Println("Sending stop, waiting for final transcripts...")

	if err := conn.WriteJSON(models.ControlMessage{Type: models.TypeStop}); err != nil {
		log.Fatalf("Failed to send stop: %v", err)
	}

	select {
	case <-closed:
	case <-time.After(30 * time.Second):
		log.Println("Timed out waiting for closed")
	}
}

func printMessage(msg models.ServerMessage) {
	switch msg.Type {
	case models.TypeReady:
		log.Printf("ready session=%s", msg.SessionID)
	case models.TypePartial:
		log.Printf("  ~ [%d] %s", msg.SegmentID, msg.Text)
	case models.TypeFinal:
		log.Printf("  = [%d] %s (%s)", msg.SegmentID, msg.Text, msg.Reason)
		if msg.Overlay != nil && msg.Translated != "" {
			log.Printf("    -> %s", msg.Translated)
		}
	case models.TypeUpdate:
		if msg.Overlay != nil {
			log.Printf("  + [%d] refined=%q translated=%q", msg.SegmentID, msg.Refined, msg.Translated)
		}
	case models.TypeError:
		log.Printf("  ! [%d] %s: %s", msg.SegmentID, msg.Kind, msg.Message)
	case models.TypeClosed:
		log.Printf("closed reason=%s", msg.Reason)
	}
}
