package providers

import "github.com/anacrolix/torrent/metainfo"

// MetainfoClassifier classifies privacy from the BEP 27 private flag in the
// info dictionary.
type MetainfoClassifier struct{}

func (MetainfoClassifier) ClassifyPrivacy(info *metainfo.Info) bool {
	return info != nil && info.Private != nil && *info.Private
}
