package manifest

// ChangesBetween lists what must happen to turn a tree described by local
// into one described by remote.
//
// Equal generation numbers short-circuit to an empty ChangeSet without
// looking at the files. Otherwise the result is added ++ removed ++ changed,
// each group keeping the order of the manifest it was taken from. A path
// present on both sides counts as changed only when its version differs.
func ChangesBetween(local, remote *Manifest) ChangeSet {
	if local.Version == remote.Version {
		return ChangeSet{}
	}

	localIdx := local.Index()
	remoteIdx := remote.Index()

	added := ChangeSet{}
	changed := ChangeSet{}
	for _, rf := range remote.Files {
		lf, exists := localIdx[rf.Path]
		switch {
		case !exists:
			added = append(added, rf)
		case lf.Version != rf.Version:
			changed = append(changed, rf)
		}
	}

	removed := ChangeSet{}
	for _, lf := range local.Files {
		if _, exists := remoteIdx[lf.Path]; !exists {
			removed = append(removed, FileRecord{
				Path:    lf.Path,
				Version: RemovedVersion,
				Hash:    "",
			})
		}
	}

	changes := make(ChangeSet, 0, len(added)+len(removed)+len(changed))
	changes = append(changes, added...)
	changes = append(changes, removed...)
	changes = append(changes, changed...)
	return changes
}

// VerifyList returns every file of remote as a work item. The sync engine
// decides per item, by hashing the file on disk, whether a fetch is needed.
func VerifyList(remote *Manifest) ChangeSet {
	items := make(ChangeSet, len(remote.Files))
	copy(items, remote.Files)
	return items
}

// LauncherChanged reports whether the launcher record differs between two
// generations.
func LauncherChanged(local, remote *Manifest) bool {
	switch {
	case local.Launcher == nil && remote.Launcher == nil:
		return false
	case local.Launcher == nil || remote.Launcher == nil:
		return true
	default:
		return *local.Launcher != *remote.Launcher
	}
}
