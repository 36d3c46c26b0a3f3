package realtime

import (
	"context"
	"encoding/json"
	"log"
	"os"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const eventsChannel = "peertest:events"

// NewRedis creates a new Redis client.
func NewRedis() *redis.Client {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	redisPassword := os.Getenv("REDIS_PASSWORD")
	redisDB := 0

	rdb := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: redisPassword,
		DB:       redisDB,
	})

	log.Printf("Redis client created (addr: %s)\n", redisAddr)
	return rdb
}

type wireEvent struct {
	Origin    string          `json:"origin"`
	BuilderID uuid.UUID       `json:"builder_id"`
	TesterID  uuid.UUID       `json:"tester_id"`
	Payload   json.RawMessage `json:"payload"`
}

// Notifier fans events out to the local hub and, through Redis pub/sub, to
// hubs on other instances.
type Notifier struct {
	Hub *Hub
	RDB *redis.Client

	// instance tag so the bridge can drop its own publishes
	origin string
}

func NewNotifier(hub *Hub, rdb *redis.Client) *Notifier {
	return &Notifier{Hub: hub, RDB: rdb, origin: uuid.NewString()}
}

// Notify pushes data to both parties locally and publishes it for peers.
func (n *Notifier) Notify(builderID, testerID uuid.UUID, data interface{}) {
	n.Hub.SendToParties(builderID, testerID, data)

	if n.RDB == nil {
		return
	}
	payload, err := json.Marshal(data)
	if err != nil {
		log.Printf("Error marshaling event: %v", err)
		return
	}
	b, _ := json.Marshal(wireEvent{Origin: n.origin, BuilderID: builderID, TesterID: testerID, Payload: payload})
	if err := n.RDB.Publish(context.Background(), eventsChannel, b).Err(); err != nil {
		log.Printf("Error publishing event to redis: %v", err)
	}
}

// RunBridge subscribes to the shared channel and forwards peer-published
// events into the local hub. Run in its own goroutine.
func (n *Notifier) RunBridge(ctx context.Context) {
	if n.RDB == nil {
		return
	}
	sub := n.RDB.Subscribe(ctx, eventsChannel)
	defer sub.Close()

	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("Redis bridge receive error: %v", err)
			continue
		}
		var evt wireEvent
		if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
			continue
		}
		if evt.Origin == n.origin {
			continue
		}
		n.Hub.SendToParties(evt.BuilderID, evt.TesterID, json.RawMessage(evt.Payload))
	}
}
