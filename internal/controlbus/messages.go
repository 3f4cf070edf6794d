package controlbus

import (
	"strconv"

	"github.com/rufuscoder/shakespeer/internal/hubsession"
	"github.com/rufuscoder/shakespeer/internal/queue"
	"github.com/rufuscoder/shakespeer/internal/share"
)

// The functions below render one outbound command's wire form. Each
// mirrors the argument order a front-end consumer would need to
// rebuild the event without any further lookup.

func UserLogin(hubAddress, nick string) string {
	return Format(string(CmdUserLogin), hubAddress, nick)
}

func UserLogout(hubAddress, nick string) string {
	return Format(string(CmdUserLogout), hubAddress, nick)
}

func UserUpdate(hubAddress string, u hubsession.User) string {
	return Format(string(CmdUserUpdate), hubAddress, u.Nick, u.Description,
		u.Speed, u.Email, strconv.FormatInt(u.ShareSize, 10))
}

func HubName(hubAddress, name string) string {
	return Format(string(CmdHubName), hubAddress, name)
}

func StatusMessage(hubAddress, text string) string {
	return Format(string(CmdStatusMessage), hubAddress, text)
}

func PublicMessage(hubAddress, nick, text string) string {
	return Format(string(CmdPublicMessage), hubAddress, nick, text)
}

func PrivateMessage(hubAddress, nick, text string) string {
	return Format(string(CmdPrivateMessage), hubAddress, nick, text)
}

func SearchResponse(hubAddress, srLine string) string {
	return Format(string(CmdSearchResponse), hubAddress, srLine)
}

func TransferStats(targetID string, bytesDone, bytesTotal int64, bytesPerSec float64) string {
	return Format(string(CmdTransferStats), targetID,
		strconv.FormatInt(bytesDone, 10), strconv.FormatInt(bytesTotal, 10),
		strconv.FormatFloat(bytesPerSec, 'f', 1, 64))
}

func DownloadStarting(t queue.Target) string {
	return Format(string(CmdDownloadStarting), strconv.FormatUint(t.ID, 10), t.Nick, t.TargetPath)
}

func DownloadFinished(t queue.Target, ok bool) string {
	return Format(string(CmdDownloadFinished), strconv.FormatUint(t.ID, 10),
		t.TargetPath, strconv.FormatBool(ok))
}

func QueueAdd(t queue.Target) string {
	return Format(string(CmdQueueAdd), strconv.FormatUint(t.ID, 10), t.Nick,
		t.TargetPath, strconv.FormatInt(t.Size, 10))
}

func QueueRemove(targetID uint64) string {
	return Format(string(CmdQueueRemove), strconv.FormatUint(targetID, 10))
}

func ShareStats(s share.Stats) string {
	return Format(string(CmdShareStats),
		strconv.FormatInt(s.TotalBytes, 10), strconv.FormatInt(s.HashedBytes, 10),
		strconv.Itoa(s.TotalCount), strconv.Itoa(s.HashedCount))
}

func HubDisconnected(hubAddress, reason string) string {
	return Format(string(CmdHubDisconnected), hubAddress, reason)
}

func NeedPassword(hubAddress string) string {
	return Format(string(CmdNeedPassword), hubAddress)
}

func HubRedirect(hubAddress, newAddress string) string {
	return Format(string(CmdHubRedirect), hubAddress, newAddress)
}

func ConnectionClosed(connectionID, reason string) string {
	return Format(string(CmdConnectionClosed), connectionID, reason)
}

func ServerDied(reason string) string {
	return Format(string(CmdServerDied), reason)
}

func InitCompletion() string {
	return Format(string(CmdInitCompletion))
}
