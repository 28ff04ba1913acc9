package rooms

import (
	"collab-server/core"
	"net/http"
	"sort"

	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

type (
	Room struct {
		ID         string `json:"id"`
		Users      int    `json:"users"`
		LastActive *int64 `json:"lastActive,omitempty"`
	}

	LiveRooms interface {
		ActiveRooms() map[string]int
	}
)

// HandleList merges live member counts with recorded activity. Rooms are
// ordered by users, then most recent activity, then id. activity may be nil.
func HandleList(live LiveRooms, activity core.RoomActivity) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomMap := make(map[string]*Room)
		for id, count := range live.ActiveRooms() {
			roomMap[id] = &Room{ID: id, Users: count}
		}

		if activity != nil {
			if storedRooms, err := activity.ListRooms(r.Context()); err != nil {
				logrus.WithError(err).Warn("failed to list rooms from registry")
			} else {
				for _, room := range storedRooms {
					entry, exists := roomMap[room.ID]
					if !exists {
						entry = &Room{ID: room.ID}
						roomMap[room.ID] = entry
					}
					if room.LastActive > 0 {
						lastActive := room.LastActive
						entry.LastActive = &lastActive
					}
				}
			}
		}

		roomList := make([]Room, 0, len(roomMap))
		for _, entry := range roomMap {
			roomList = append(roomList, *entry)
		}
		sort.Slice(roomList, func(i, j int) bool {
			if roomList[i].Users != roomList[j].Users {
				return roomList[i].Users > roomList[j].Users
			}
			li, lj := lastActive(roomList[i]), lastActive(roomList[j])
			if li != lj {
				return li > lj
			}
			return roomList[i].ID < roomList[j].ID
		})

		render.JSON(w, r, roomList)
	}
}

func lastActive(room Room) int64 {
	if room.LastActive == nil {
		return 0
	}
	return *room.LastActive
}
