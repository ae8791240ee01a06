package handlers

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/roomcall/signaling/internal/models"
	"github.com/roomcall/signaling/internal/redis"
)

const (
	roomCodeLength = 6
	roomTTL        = 24 * time.Hour
	codeChars      = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // Removed ambiguous chars
)

// CreateRoom creates a new room (requires authentication)
func CreateRoom(defaultMaxParticipants int) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, exists := c.Get("user_id")
		if !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
			return
		}

		var req models.CreateRoomRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		settings := settingsFromRequest(req, defaultMaxParticipants)

		// Generate unique room ID and code
		roomID := uuid.New().String()
		roomCode := generateRoomCode()

		room := models.RoomMetadata{
			ID:        roomID,
			Code:      roomCode,
			CreatorID: userID.(string),
			CreatedAt: time.Now(),
			Settings:  settings,
		}

		redisClient := redis.GetClient()
		ctx := redis.GetContext()

		roomData, err := json.Marshal(room)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
			return
		}

		if err := redisClient.Set(ctx, "room:"+roomID, roomData, roomTTL).Err(); err != nil {
			log.Printf("Failed to store room in Redis: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
			return
		}

		// Store code-to-ID mapping for easy lookup
		if err := redisClient.Set(ctx, "code:"+roomCode, roomID, roomTTL).Err(); err != nil {
			log.Printf("Failed to store room code in Redis: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
			return
		}

		log.Printf("Room created: %s (code: %s) by user %s", roomID, roomCode, userID)

		c.JSON(http.StatusCreated, models.CreateRoomResponse{
			RoomID: roomID,
			Code:   roomCode,
		})
	}
}

func settingsFromRequest(req models.CreateRoomRequest, defaultMaxParticipants int) models.RoomSettings {
	settings := models.RoomSettings{
		MaxParticipants:  req.MaxParticipants,
		AllowScreenShare: true,
		AllowChat:        true,
		MuteOnJoin:       req.MuteOnJoin,
		VideoOnJoin:      true,
		WaitingRoom:      req.WaitingRoom,
	}
	if settings.MaxParticipants == 0 {
		settings.MaxParticipants = defaultMaxParticipants
	}
	if req.AllowScreenShare != nil {
		settings.AllowScreenShare = *req.AllowScreenShare
	}
	if req.AllowChat != nil {
		settings.AllowChat = *req.AllowChat
	}
	if req.VideoOnJoin != nil {
		settings.VideoOnJoin = *req.VideoOnJoin
	}
	return settings
}

// GetRoom gets room information by code or ID (public)
func GetRoom(roomCounter func(roomID string) int) gin.HandlerFunc {
	return func(c *gin.Context) {
		roomIdentifier := c.Param("roomId")

		room, err := lookupRoom(roomIdentifier)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
			return
		}

		if roomCounter != nil {
			room.ParticipantCount = roomCounter(room.ID)
		}

		c.JSON(http.StatusOK, room)
	}
}

// DeleteRoom deletes a room (requires authentication and creator)
func DeleteRoom(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	roomID := c.Param("roomId")

	redisClient := redis.GetClient()
	ctx := redis.GetContext()

	roomData, err := redisClient.Get(ctx, "room:"+roomID).Result()
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}

	var room models.RoomMetadata
	if err := json.Unmarshal([]byte(roomData), &room); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to parse room data"})
		return
	}

	// Verify user is the creator
	if room.CreatorID != userID.(string) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the room creator can delete the room"})
		return
	}

	redisClient.Del(ctx, "room:"+roomID)
	redisClient.Del(ctx, "code:"+room.Code)
	redisClient.Del(ctx, "room:"+roomID+":peers")

	log.Printf("Room deleted: %s by user %s", roomID, userID)

	c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
}

// lookupRoom resolves a short code or UUID to the room metadata.
func lookupRoom(roomIdentifier string) (*models.RoomMetadata, error) {
	redisClient := redis.GetClient()
	if redisClient == nil {
		return nil, fmt.Errorf("room metadata store unavailable")
	}
	ctx := redis.GetContext()

	roomID := roomIdentifier

	// Check if it's a code (6 chars) vs UUID
	if len(roomIdentifier) == roomCodeLength {
		id, err := redisClient.Get(ctx, "code:"+roomIdentifier).Result()
		if err != nil {
			return nil, fmt.Errorf("room not found")
		}
		roomID = id
	}

	roomData, err := redisClient.Get(ctx, "room:"+roomID).Result()
	if err != nil {
		return nil, fmt.Errorf("room not found")
	}

	var room models.RoomMetadata
	if err := json.Unmarshal([]byte(roomData), &room); err != nil {
		return nil, fmt.Errorf("failed to parse room data")
	}

	return &room, nil
}

// generateRoomCode generates a random room code
func generateRoomCode() string {
	code := make([]byte, roomCodeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		code[i] = codeChars[n.Int64()]
	}
	return string(code)
}
